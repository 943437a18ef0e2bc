// Package main provides a command-line client for a pentaract server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/client"
	"github.com/pentaract/pentaract/internal/events"
)

func main() {
	serverURL := flag.String("server", envOr("PENTARACT_URL", "http://localhost:8000"), "Server URL")
	folder := flag.String("folder", "/", "Folder for upload and ls")
	resume := flag.Bool("resume", false, "Resume a partial download into an existing file")
	quiet := flag.Bool("q", false, "No progress bars")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(client.Config{BaseURL: *serverURL})

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "upload", "put":
		err = cmdUpload(ctx, c, *folder, *quiet, cmdArgs)
	case "download", "get":
		err = cmdDownload(ctx, c, *resume, *quiet, cmdArgs)
	case "list", "ls":
		if len(cmdArgs) > 0 {
			*folder = cmdArgs[0]
		}
		err = cmdList(ctx, c, *folder)
	case "stat":
		err = cmdStat(ctx, c, cmdArgs)
	case "rm", "delete":
		err = cmdDelete(ctx, c, cmdArgs)
	case "channels":
		err = cmdChannels(ctx, c)
	case "channel-add":
		err = cmdChannelAdd(ctx, c, cmdArgs)
	case "watch":
		err = cmdWatch(ctx, c)
	case "ping":
		err = c.Ping(ctx)
		if err == nil {
			fmt.Println("ok")
		}
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Pentaract CLI

Usage: pentactl [flags] <command> [args]

Flags:
  -server <url>     Server URL (default: $PENTARACT_URL or http://localhost:8000)
  -folder <path>    Folder for upload and ls (default: /)
  -resume           Resume a partial download into an existing file
  -q                No progress bars

Commands:
  upload, put <path> [name]        Upload a local file
  download, get <id> [dest]        Download a file (dest defaults to its name)
  list, ls [folder]                List files of a folder
  stat <id>                        Show file metadata as JSON
  rm, delete <id>...               Delete files
  channels                         List channels and their load
  channel-add <name> <kind> <config-json> [max-object-size] [rpm]
                                   Register a channel
  watch                            Print file events until interrupted
  ping                             Check the server is up
  help                             Show this help message

Examples:
  pentactl -folder /backups upload db.tar.gz
  pentactl ls /backups
  pentactl -resume get 3f6c0c1e-... db.tar.gz`)
}

func cmdUpload(ctx context.Context, c *client.Client, folder string, quiet bool, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pentactl upload <path> [name]")
	}
	path := args[0]
	name := filepath.Base(path)
	if len(args) > 1 {
		name = args[1]
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	var src io.Reader = f
	if !quiet {
		bar := progressbar.DefaultBytes(info.Size(), "uploading")
		src = io.TeeReader(f, bar)
	}

	file, err := c.Upload(ctx, folder, name, src, info.Size())
	if err != nil {
		return err
	}
	fmt.Printf("\n%s\t%s\t%d chunks\n", file.ID, formatSize(file.Size), file.Chunks)
	return nil
}

func cmdDownload(ctx context.Context, c *client.Client, resume, quiet bool, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pentactl download <id> [dest]")
	}
	meta, err := c.Stat(ctx, args[0])
	if err != nil {
		return err
	}
	dest := meta.Name
	if len(args) > 1 {
		dest = args[1]
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	var offset int64
	if resume {
		if info, err := os.Stat(dest); err == nil {
			offset = info.Size()
			flags = os.O_WRONLY | os.O_APPEND
		}
	}
	if offset >= meta.Size && offset > 0 {
		fmt.Println("already complete")
		return nil
	}

	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	var w io.Writer = out
	if !quiet {
		bar := progressbar.DefaultBytes(meta.Size-offset, "downloading")
		w = io.MultiWriter(out, bar)
	}

	n, err := c.Download(ctx, meta.ID, offset, w)
	if err != nil {
		return fmt.Errorf("after %s: %w", formatSize(n), err)
	}
	fmt.Printf("\n%s -> %s (%s)\n", meta.ID, dest, formatSize(offset+n))
	return nil
}

func cmdList(ctx context.Context, c *client.Client, folder string) error {
	files, err := c.List(ctx, folder)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No files")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tSTATUS\tCREATED")
	fmt.Fprintln(w, "--\t----\t----\t------\t-------")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Name, formatSize(f.Size), f.Status, formatTime(f.CreatedAt))
	}
	return w.Flush()
}

func cmdStat(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pentactl stat <id>")
	}
	f, err := c.Stat(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

func cmdDelete(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pentactl rm <id>...")
	}
	for _, id := range args {
		if err := c.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Printf("Deleted: %s\n", id)
	}
	return nil
}

func cmdChannels(ctx context.Context, c *client.Client) error {
	channels, err := c.Channels(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tMAX OBJECT\tRPM\tOUTSTANDING")
	for _, ch := range channels {
		maxSize := "unlimited"
		if ch.MaxObjectSize > 0 {
			maxSize = formatSize(ch.MaxObjectSize)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			ch.ID, ch.Name, ch.Kind, maxSize, ch.RequestsPerMinute, ch.Outstanding)
	}
	return w.Flush()
}

func cmdChannelAdd(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: pentactl channel-add <name> <kind> <config-json> [max-object-size] [rpm]")
	}
	if !json.Valid([]byte(args[2])) {
		return fmt.Errorf("config is not valid JSON")
	}
	ch := channel.Channel{Name: args[0], Kind: args[1], Config: json.RawMessage(args[2])}
	if len(args) > 3 {
		n, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max object size: %w", err)
		}
		ch.MaxObjectSize = n
	}
	if len(args) > 4 {
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("invalid requests per minute: %w", err)
		}
		ch.RequestsPerMinute = n
	}

	st, err := c.CreateChannel(ctx, ch)
	if err != nil {
		return err
	}
	fmt.Printf("Created channel %d (%s, %s)\n", st.ID, st.Name, st.Kind)
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client) error {
	return c.Watch(ctx, func(ev events.Event) {
		ts := time.Unix(ev.Timestamp, 0)
		switch ev.Type {
		case events.EventFailed:
			fmt.Printf("%s  %-15s %s  %s\n", formatTime(ts), ev.Type, ev.FileID, ev.Error)
		case events.EventCompleted:
			fmt.Printf("%s  %-15s %s  %s, %d chunks\n", formatTime(ts), ev.Type, ev.FileID, formatSize(ev.Size), ev.Chunks)
		default:
			fmt.Printf("%s  %-15s %s\n", formatTime(ts), ev.Type, ev.FileID)
		}
	}, func(err error, retryIn time.Duration) {
		fmt.Fprintf(os.Stderr, "event stream lost: %v (reconnecting in %s)\n", err, retryIn)
	})
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
