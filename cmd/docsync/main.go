// Command docsync reads, writes and watches documents through the offline
// capable sync client.
//
//	docsync [flags] watch <collection|document>
//	docsync [flags] get <document>
//	docsync [flags] set <document> <json>
//	docsync [flags] update <document> <json>
//	docsync [flags] delete <document>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/client"
	"github.com/serroba/docsync/internal/config"
	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/storage"
	"github.com/serroba/docsync/internal/syncengine"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const envVarPrefix = "DOCSYNC"

var errUsage = errors.New("usage: docsync [flags] watch|get|set|update|delete <path> [json]")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("docsync", flag.ExitOnError)

	cfg := config.Default()
	cfg.BindFlags(fs)

	if err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()

			return nil
		}

		return err
	}

	args := fs.Args()
	if len(args) < 2 {
		return errUsage
	}

	if err := cfg.ExpandDataDir(); err != nil {
		return err
	}

	if cfg.Persistence {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return err
		}
	}

	log := logging.New("docsync", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	c := client.New(client.Config{
		Database:    model.NewDatabaseID(cfg.ProjectID),
		Endpoint:    cfg.Endpoint,
		Credentials: auth.NewStaticCredentialsProvider(auth.User{UID: cfg.UserID}, cfg.UserID),
		StorePath:   cfg.StorePath(),
		LockTimeout: cfg.LockTimeout,
		Logger:      log,
	})

	if err := c.Start(ctx, cfg.Persistence); err != nil {
		if !errors.Is(err, storage.ErrLocked) && !errors.Is(err, local.ErrUnsupported) {
			return err
		}

		log.Warn("UsingMemoryPersistence", zap.Error(err))
	}

	defer func() { err = multierr.Append(err, c.Shutdown()) }()

	cmd, path := args[0], model.ParseResourcePath(args[1])

	switch cmd {
	case "watch":
		return watch(ctx, c, query.AtPath(path), os.Stdout)
	case "get":
		return get(ctx, c, path, os.Stdout)
	case "set", "update":
		if len(args) != 3 {
			return errUsage
		}

		return write(ctx, c, cmd, path, args[2])
	case "delete":
		key, err := documentKey(path)
		if err != nil {
			return err
		}

		return c.WriteAndWait(ctx, model.NewDeleteMutation(key, model.PreconditionNone))
	default:
		return errUsage
	}
}

func documentKey(path model.ResourcePath) (model.DocumentKey, error) {
	if path.Len() == 0 || !model.IsDocumentKey(path) {
		return model.DocumentKey{}, fmt.Errorf("%s is not a document path", path)
	}

	return model.NewDocumentKey(path), nil
}

func write(ctx context.Context, c *client.Client, cmd string, path model.ResourcePath, data string) error {
	key, err := documentKey(path)
	if err != nil {
		return err
	}

	fields, err := parseFields(data)
	if err != nil {
		return err
	}

	value, err := model.ObjectOf(fields)
	if err != nil {
		return err
	}

	var m model.Mutation
	if cmd == "set" {
		m = model.NewSetMutation(key, value, model.PreconditionNone)
	} else {
		mask := model.NewFieldMask(slices.Sorted(maps.Keys(fields))...)
		m = model.NewPatchMutation(key, value, mask, model.PreconditionExists(true))
	}

	return c.WriteAndWait(ctx, m)
}

// parseFields decodes a JSON object, keeping integral numbers as integers.
func parseFields(data string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid document data: %w", err)
	}

	converted, _ := convertNumbers(fields).(map[string]any)

	return converted, nil
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}

		f, _ := t.Float64()

		return f
	case []any:
		for i, e := range t {
			t[i] = convertNumbers(e)
		}

		return t
	case map[string]any:
		for k, e := range t {
			t[k] = convertNumbers(e)
		}

		return t
	default:
		return v
	}
}

type snapshotLine struct {
	FromCache        bool           `json:"fromCache"`
	HasPendingWrites bool           `json:"hasPendingWrites"`
	Changes          []changeLine   `json:"changes,omitempty"`
	Docs             map[string]any `json:"docs"`
	Error            string         `json:"error,omitempty"`

	docs []*model.Document
}

type changeLine struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

func newSnapshotLine(s *syncengine.ViewSnapshot) snapshotLine {
	line := snapshotLine{
		FromCache:        s.FromCache,
		HasPendingWrites: s.HasPendingWrites,
		Docs:             make(map[string]any, len(s.Docs)),
		docs:             s.Docs,
	}

	for _, c := range s.Changes {
		line.Changes = append(line.Changes, changeLine{Type: c.Type.String(), Path: c.Doc.Key().String()})
	}

	for _, d := range s.Docs {
		line.Docs[d.Key().String()] = model.Interface(d.Data())
	}

	return line
}

// listen streams snapshot lines until stop is called or ctx is done.
func listen(ctx context.Context, c *client.Client, q *query.Query) (<-chan snapshotLine, func() error, error) {
	lines := make(chan snapshotLine, 64)
	done := make(chan struct{})

	reg, err := c.Listen(q, func(s *syncengine.ViewSnapshot, err error) {
		var line snapshotLine
		if err != nil {
			line.Error = err.Error()
		} else {
			line = newSnapshotLine(s)
		}

		select {
		case lines <- line:
		case <-done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, nil, err
	}

	stop := func() error {
		close(done)

		return reg.Remove()
	}

	return lines, stop, nil
}

func watch(ctx context.Context, c *client.Client, q *query.Query, out io.Writer) error {
	lines, stop, err := listen(ctx, c, q)
	if err != nil {
		return err
	}

	defer func() { _ = stop() }()

	enc := json.NewEncoder(out)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := enc.Encode(line); err != nil {
				return err
			}

			if line.Error != "" {
				return errors.New(line.Error)
			}
		}
	}
}

// get prints the first document state confirmed by the backend.
func get(ctx context.Context, c *client.Client, path model.ResourcePath, out io.Writer) error {
	key, err := documentKey(path)
	if err != nil {
		return err
	}

	lines, stop, err := listen(ctx, c, query.AtPath(key.Path()))
	if err != nil {
		return err
	}

	defer func() { _ = stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-lines:
			if line.Error != "" {
				return errors.New(line.Error)
			}

			if line.FromCache {
				continue
			}

			if len(line.docs) == 0 {
				return fmt.Errorf("%s not found", key)
			}

			return json.NewEncoder(out).Encode(model.Interface(line.docs[0].Data()))
		}
	}
}
