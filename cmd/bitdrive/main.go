// BitDrive command line client.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bitdrive/bitdrive/pkg/client"
	"github.com/bitdrive/bitdrive/pkg/scheduler"
	"github.com/bitdrive/bitdrive/pkg/uploader"
	"github.com/urfave/cli/v2"
)

func newClient(ctx *cli.Context) *client.Client {
	return client.New(client.Config{
		BaseURL: ctx.String("server"),
		Timeout: ctx.Duration("timeout"),
	})
}

var uploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "Upload a file, resuming a previous attempt if chunks are already staged",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "parent",
			Usage: "Target directory node id (empty for root)",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Value: scheduler.DefaultConcurrency,
			Usage: "Concurrent chunk uploads",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one file path")
		}
		path := ctx.Args().First()

		sched := scheduler.New(ctx.Int("concurrency"))
		defer sched.Close()
		u := uploader.New(newClient(ctx), sched, 0)

		session, err := u.Start(context.Background(), path, ctx.String("parent"))
		if err != nil {
			return err
		}

		unsub := session.Subscribe(func(ev uploader.Event) {
			if ev.TotalSize > 0 {
				fmt.Fprintf(os.Stderr, "\r%s %3d%% (%d/%d bytes)",
					ev.Status, ev.UploadedBytes*100/ev.TotalSize,
					ev.UploadedBytes, ev.TotalSize)
			}
		})
		defer unsub()

		if status := session.Wait(); status != uploader.StatusCompleted {
			fmt.Fprintln(os.Stderr)
			return fmt.Errorf("upload %s: %w", status, session.Err())
		}
		fmt.Fprintln(os.Stderr)
		fmt.Println(session.FileID())
		return nil
	},
}

var downloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "Download a file by node id",
	ArgsUsage: "<id> <dest>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return fmt.Errorf("expected <id> <dest>")
		}
		id, dest := ctx.Args().Get(0), ctx.Args().Get(1)

		rc, _, err := newClient(ctx).Download(context.Background(), id, 0, -1)
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := io.Copy(out, rc)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, dest)
		return nil
	},
}

var lsCmd = &cli.Command{
	Name:      "ls",
	Usage:     "List a directory (root when no id is given)",
	ArgsUsage: "[parent-id]",
	Action: func(ctx *cli.Context) error {
		entries, err := newClient(ctx).List(context.Background(), ctx.Args().First())
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "file"
			if e.IsDir {
				kind = "dir "
			}
			fmt.Printf("%s  %10d  %s  %s  %s\n",
				kind, e.Size, e.UploadTime.Format(time.RFC3339), e.ID, e.Name)
		}
		return nil
	},
}

var mkdirCmd = &cli.Command{
	Name:      "mkdir",
	Usage:     "Create a directory",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "parent",
			Usage: "Parent directory node id (empty for root)",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one directory name")
		}
		node, err := newClient(ctx).CreateFolder(context.Background(),
			ctx.String("parent"), ctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(node.ID)
		return nil
	},
}

var renameCmd = &cli.Command{
	Name:      "rename",
	Usage:     "Rename a node",
	ArgsUsage: "<id> <new-name>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return fmt.Errorf("expected <id> <new-name>")
		}
		return newClient(ctx).Rename(context.Background(),
			ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var mvCmd = &cli.Command{
	Name:      "mv",
	Usage:     "Move a node to another directory (empty target means root)",
	ArgsUsage: "<id> [new-parent-id]",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return fmt.Errorf("expected <id> [new-parent-id]")
		}
		return newClient(ctx).Move(context.Background(),
			ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var rmCmd = &cli.Command{
	Name:      "rm",
	Usage:     "Delete a node; directories are removed recursively",
	ArgsUsage: "<id>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one node id")
		}
		return newClient(ctx).Delete(context.Background(), ctx.Args().First())
	},
}

func main() {
	app := &cli.App{
		Name:  "bitdrive",
		Usage: "Chunked upload client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8080",
				Usage:   "Server base URL",
				EnvVars: []string{"BITDRIVE_SERVER"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "Per-request timeout",
			},
		},
		Commands: []*cli.Command{
			uploadCmd,
			downloadCmd,
			lsCmd,
			mkdirCmd,
			renameCmd,
			mvCmd,
			rmCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
