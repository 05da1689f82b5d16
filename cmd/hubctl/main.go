package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"

	intrnl "visitorhub/internal"
)

func main() {
	server := flag.String("server", getEnv("VISITORHUB_URL", "http://localhost:8080"), "visitorhub server base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := intrnl.NewAPIClient(*server)
	var err error
	switch args[0] {
	case "list":
		err = runList(client, args[1:])
	case "stats":
		err = runStats(client)
	case "read":
		err = runRead(client, args[1:])
	case "fav":
		err = runFavorite(client, args[1:])
	case "delete":
		err = runDelete(client, args[1:])
	case "watch":
		err = runWatch(client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("hubctl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: hubctl [-server URL] <command>

commands:
  list [query]      list visitors, optionally filtered
  stats             show aggregate statistics
  read <id>         mark a visitor as read
  fav <id> on|off   set the favorite flag
  delete <id>...    delete visitors
  watch             stream change events until interrupted`)
}

func runList(client *intrnl.APIClient, args []string) error {
	query := strings.Join(args, " ")
	visitors, err := client.ListVisitors(query)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tONLINE\tREAD\tFAV\tPAGE\tUPDATED")
	for _, v := range visitors {
		fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%v\t%s\t%s\n",
			v.ID, v.SessionID, v.IsOnline, v.IsRead, v.IsFavorite,
			v.CurrentPage, v.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runStats(client *intrnl.APIClient) error {
	snap, err := client.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("total: %d\nactive: %d\nsubmitted: %d\nactive+submitted: %d\nactive without submission: %d\n",
		snap.Total, snap.Active, snap.Submitted, snap.ActiveSubmitted, snap.ActiveNotSubmitted)
	if len(snap.ByPage) > 0 {
		fmt.Println("by page:")
		for page, count := range snap.ByPage {
			fmt.Printf("  %s: %d\n", page, count)
		}
	}
	return nil
}

func runRead(client *intrnl.APIClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("read expects exactly one visitor id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid visitor id %q", args[0])
	}
	return client.MarkRead(id)
}

func runFavorite(client *intrnl.APIClient, args []string) error {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		return fmt.Errorf("fav expects <id> on|off")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid visitor id %q", args[0])
	}
	return client.SetFavorite(id, args[1] == "on")
}

func runDelete(client *intrnl.APIClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("delete expects at least one visitor id")
	}
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid visitor id %q", arg)
		}
		ids = append(ids, id)
	}
	return client.DeleteVisitors(ids)
}

func runWatch(client *intrnl.APIClient) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observerID := "hubctl-" + uuid.NewString()
	var lastSeq uint64
	for {
		err := client.Watch(ctx, observerID, lastSeq, func(ev intrnl.ChangeEvent) {
			lastSeq = ev.Seq
			fmt.Printf("%d\t%s\tvisitors=%v\tsession=%s\n", ev.Seq, ev.Kind, ev.VisitorIDs, ev.SessionID)
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, intrnl.ErrReplayExpired):
			// Window moved past our cursor; start a fresh stream.
			fmt.Fprintln(os.Stderr, "hubctl: replay window expired, restarting stream")
			lastSeq = 0
		case err != nil:
			return err
		default:
			// Stream dropped for lagging; reconnect from the last seq we saw.
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
