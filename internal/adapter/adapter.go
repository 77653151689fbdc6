// Package adapter wraps each database engine's native dump and restore tools
// behind one byte-stream interface.
package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/logging"
	"dbkp/internal/pipeline"
)

type Kind string

const (
	Postgres Kind = config.EnginePostgres
	MySQL    Kind = config.EngineMySQL
	MariaDB  Kind = config.EngineMariaDB
)

const defaultConnectTimeout = 10 * time.Second

// Connection describes how to reach one database.
type Connection struct {
	Host           string
	Port           int
	Username       string
	Password       string
	Database       string
	ConnectTimeout time.Duration
	// DumpArgs are appended to the dump tool's arguments.
	DumpArgs []string
}

func ConnectionFromTarget(t config.TargetConfig) Connection {
	return Connection{
		Host:           t.Host,
		Port:           t.Port,
		Username:       t.Username,
		Password:       t.Password,
		Database:       t.Database,
		ConnectTimeout: t.ConnectTimeout,
		DumpArgs:       append([]string(nil), t.DumpArgs...),
	}
}

func (c Connection) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Connection) timeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

// String never includes the password.
func (c Connection) String() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, c.addr(), c.Database)
}

// ServerInfo is what Probe learned about the server.
type ServerInfo struct {
	Version string
	Raw     string
}

type RestoreOptions struct {
	// Clean drops and recreates the database before replaying the dump.
	Clean bool
}

// Adapter produces and consumes raw dump streams for one engine.
type Adapter interface {
	Kind() Kind
	// Probe connects through the engine's driver and reads the server
	// version. Failures are connection errors.
	Probe(ctx context.Context) (ServerInfo, error)
	// Dump writes the database's logical dump into w as the engine produces
	// it. A slow w slows the engine down.
	Dump(ctx context.Context, w io.Writer) error
	// Restore replays r into the database, creating it if needed. r is read
	// incrementally.
	Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error
}

// OpenFunc opens a database handle for a driver and DSN.
type OpenFunc func(driver, dsn string) (*sql.DB, error)

type Options struct {
	Runner Runner
	Logger *logging.Logger
	Open   OpenFunc
}

func (o Options) withDefaults() Options {
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Open == nil {
		o.Open = sql.Open
	}
	return o
}

type constructor func(Connection, Options) Adapter

var constructors = map[Kind]constructor{
	Postgres: func(c Connection, o Options) Adapter { return newPostgres(c, o) },
	MySQL:    func(c Connection, o Options) Adapter { return newMySQL(MySQL, c, o) },
	MariaDB:  func(c Connection, o Options) Adapter { return newMySQL(MariaDB, c, o) },
}

// New returns the adapter for kind.
func New(kind Kind, conn Connection, opts Options) (Adapter, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fault.Newf(fault.KindConfiguration, "adapter", "unsupported engine %q", kind)
	}
	return ctor(conn, opts.withDefaults()), nil
}

// Kinds lists the supported engines.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(constructors))
	for k := range constructors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Tools names the client binaries kind needs on PATH, dump tool first.
func Tools(kind Kind) []string {
	switch kind {
	case Postgres:
		return []string{pgDumpTool, psqlTool}
	case MariaDB:
		return []string{"mariadb-dump|mysqldump", "mariadb|mysql"}
	case MySQL:
		return []string{"mysqldump", "mysql"}
	}
	return nil
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

func parseVersion(raw string) ServerInfo {
	return ServerInfo{Version: versionPattern.FindString(raw), Raw: raw}
}

// probe pings the server and reads its version with query.
func probe(ctx context.Context, open OpenFunc, driver, dsn, query string, timeout time.Duration) (ServerInfo, error) {
	db, err := open(driver, dsn)
	if err != nil {
		return ServerInfo{}, fault.Connection("probe", err)
	}
	defer db.Close()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return ServerInfo{}, fault.Connection("probe", err)
	}
	var raw string
	if err := db.QueryRowContext(pctx, query).Scan(&raw); err != nil {
		return ServerInfo{}, fault.Connection("probe", fmt.Errorf("read server version: %w", err))
	}
	return parseVersion(raw), nil
}

// Stream is a running dump read through a bounded channel.
type Stream struct {
	ch     *pipeline.Channel
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// DumpStream runs a.Dump in the background and returns its output. Once the
// dump fails, reads return its error and queued bytes are dropped. Close
// stops the dump and waits for it.
func DumpStream(ctx context.Context, a Adapter, depth int) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     pipeline.NewChannel(ctx, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		err := a.Dump(ctx, s.ch)
		if err != nil {
			_ = s.ch.CloseWithError(err)
			return
		}
		_ = s.ch.Close()
	}()
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.ch.Read(p)
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.ch.CloseWithError(context.Canceled)
	})
	<-s.done
	return nil
}
