package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/filed"
	"pkt.systems/filed/api"
	filedclient "pkt.systems/filed/client"
	"pkt.systems/filed/internal/logutil"
)

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	var serverAddr string
	var proto string
	var user string
	var workspace string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive client for a running filed server",
		Long: `Connects to a filed server and drops into an interactive session.
Viewed files are saved into a per-user workspace directory; locking a file
additionally creates an editable scratch copy (notes.txt becomes
notes_temp.txt) whose content is sent on UPDATE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := logutil.WithSubsystem(baseLogger, "cli.client")
			if workspace == "" {
				dir, err := filed.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve workspace dir: %w", err)
				}
				workspace = filepath.Join(dir, "workspace")
			}
			return runClientSession(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(),
				serverAddr, proto, user, workspace, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverAddr, "server", "127.0.0.1"+filed.DefaultListen, "filed server address")
	flags.StringVar(&proto, "proto", "tcp", "dial network (tcp, tcp4, tcp6, unix)")
	flags.StringVarP(&user, "user", "u", "", "username to authenticate as (prompted when empty)")
	flags.StringVar(&workspace, "workspace", "", "workspace root for local file copies (defaults to $HOME/.filed/workspace)")
	return cmd
}

// fileTable mirrors the server's registry on the client side, fed by the AUTH
// snapshot and kept current by broadcast notifications.
type fileTable struct {
	mu    sync.Mutex
	files map[string]string // name -> lock owner ("" when free)
}

func (t *fileTable) reset(snapshot map[string]api.FileStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[string]string, len(snapshot))
	for name, status := range snapshot {
		owner := ""
		if status.LockedBy != nil {
			owner = *status.LockedBy
		}
		t.files[name] = owner
	}
}

func (t *fileTable) apply(n filedclient.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch n.Type {
	case api.EventFileAdded:
		t.files[n.Event.File] = ""
	case api.EventFileDeleted:
		delete(t.files, n.Event.File)
	case api.EventFileLocked:
		t.files[n.Event.File] = n.Event.User
	case api.EventFileReleased:
		t.files[n.Event.File] = ""
	}
}

func (t *fileTable) set(name, owner string) {
	t.mu.Lock()
	t.files[name] = owner
	t.mu.Unlock()
}

func (t *fileTable) remove(name string) {
	t.mu.Lock()
	delete(t.files, name)
	t.mu.Unlock()
}

func (t *fileTable) sorted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.files))
	for name := range t.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *fileTable) owner(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.files[name]
	return owner, ok
}

func runClientSession(ctx context.Context, in io.Reader, out io.Writer,
	addr, proto, user, workspace string, logger pslog.Logger) error {
	scanner := bufio.NewScanner(in)
	if user == "" {
		fmt.Fprint(out, "username: ")
		if !scanner.Scan() {
			return fmt.Errorf("no username provided")
		}
		user = strings.TrimSpace(scanner.Text())
	}
	if user == "" {
		return fmt.Errorf("username is required")
	}

	mirror := filedclient.NewMirror(workspace, logger)
	table := &fileTable{files: make(map[string]string)}
	notify := func(n filedclient.Notification) {
		table.apply(n)
		mirror.Apply(n)
		fmt.Fprintf(out, "\n* %s\n> ", n.Message)
	}

	c, err := filedclient.Dial(filedclient.Config{
		Addr:     addr,
		Proto:    proto,
		OnNotify: notify,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	snapshot, err := c.Auth(ctx, user)
	if err != nil {
		return fmt.Errorf("authenticate as %s: %w", user, err)
	}
	if err := mirror.Start(user); err != nil {
		return err
	}
	defer func() { _ = mirror.Close() }()
	table.reset(snapshot)

	fmt.Fprintf(out, "connected to %s as %s, workspace %s\n", addr, user, mirror.Dir())
	printFiles(out, table, mirror)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out, "bye")
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		command := strings.ToUpper(fields[0])
		if command == "EXIT" || command == "QUIT" {
			fmt.Fprintln(out, "bye")
			return nil
		}
		if err := runCommand(ctx, out, c, mirror, table, command, fields[1:]); err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
}

func runCommand(ctx context.Context, out io.Writer, c *filedclient.Client,
	mirror *filedclient.Mirror, table *fileTable, command string, args []string) error {
	needFile := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("usage: %s <file>", command)
		}
		return args[0], nil
	}
	switch command {
	case "LIST":
		printFiles(out, table, mirror)
		return nil
	case "VIEW":
		file, err := needFile()
		if err != nil {
			return err
		}
		content, err := c.View(ctx, file)
		if err != nil {
			return err
		}
		if err := mirror.Save(file, content); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s (%s)\n", mirror.Path(file), humanizeBytes(int64(len(content))))
		return nil
	case "LOCK":
		file, err := needFile()
		if err != nil {
			return err
		}
		content, err := c.Lock(ctx, file)
		if err != nil {
			return err
		}
		table.set(file, c.Username())
		if err := mirror.Save(file, content); err != nil {
			return err
		}
		if err := mirror.OpenTemp(file, content); err != nil {
			return err
		}
		fmt.Fprintf(out, "locked %s, edit %s then UPDATE %s\n", file, mirror.TempPath(file), file)
		return nil
	case "UPDATE":
		file, err := needFile()
		if err != nil {
			return err
		}
		content, err := mirror.ReadTemp(file)
		if err != nil {
			return fmt.Errorf("no scratch copy for %s (LOCK it first): %w", file, err)
		}
		if err := c.Update(ctx, file, content); err != nil {
			return err
		}
		if err := mirror.Save(file, content); err != nil {
			return err
		}
		fmt.Fprintf(out, "updated %s (%s)\n", file, humanizeBytes(int64(len(content))))
		return nil
	case "RELEASE":
		file, err := needFile()
		if err != nil {
			return err
		}
		if err := c.Release(ctx, file); err != nil {
			return err
		}
		table.set(file, "")
		if err := mirror.DiscardTemp(file); err != nil {
			return err
		}
		fmt.Fprintf(out, "released %s\n", file)
		return nil
	case "ADD":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: ADD <file> [local path]")
		}
		file := args[0]
		var content string
		if len(args) == 2 {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			content = string(data)
		}
		if err := c.Add(ctx, file, content); err != nil {
			return err
		}
		table.set(file, "")
		fmt.Fprintf(out, "added %s (%s)\n", file, humanizeBytes(int64(len(content))))
		return nil
	case "DELETE":
		file, err := needFile()
		if err != nil {
			return err
		}
		if err := c.Delete(ctx, file); err != nil {
			return err
		}
		table.remove(file)
		if err := mirror.Forget(file); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", file)
		return nil
	case "HELP":
		fmt.Fprint(out, `commands:
  LIST                 show the shared files and their lock owners
  VIEW <file>          download a file into the workspace and follow its updates
  LOCK <file>          acquire the edit lock and open a scratch copy
  UPDATE <file>        push the scratch copy's content to the server
  RELEASE <file>       give up the edit lock and drop the scratch copy
  ADD <file> [path]    register a new file, optionally seeded from a local path
  DELETE <file>        remove an unlocked file from the server
  EXIT                 close the session
`)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try HELP)", command)
	}
}

func printFiles(out io.Writer, table *fileTable, mirror *filedclient.Mirror) {
	names := table.sorted()
	if len(names) == 0 {
		fmt.Fprintln(out, "no shared files")
		return
	}
	for _, name := range names {
		owner, _ := table.owner(name)
		line := "  " + name
		if owner != "" {
			line += " [locked by " + owner + "]"
		}
		if mirror.Tracks(name) {
			if info, err := os.Stat(mirror.Path(name)); err == nil {
				line += " (local copy " + humanizeBytes(info.Size()) + ")"
			}
		}
		fmt.Fprintln(out, line)
	}
}
