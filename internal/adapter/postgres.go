package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dbkp/internal/fault"
)

const (
	pgDumpTool      = "pg_dump"
	psqlTool        = "psql"
	pgDriver        = "pgx"
	pgMaintenanceDB = "postgres"
)

type postgres struct {
	conn Connection
	opts Options
}

func newPostgres(conn Connection, opts Options) *postgres {
	if conn.Port == 0 {
		conn.Port = 5432
	}
	return &postgres{conn: conn, opts: opts}
}

func (p *postgres) Kind() Kind { return Postgres }

func (p *postgres) dsn(database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.conn.Username, p.conn.Password),
		Host:   p.conn.addr(),
		Path:   "/" + database,
	}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(int(p.conn.timeout().Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *postgres) env() []string {
	env := []string{fmt.Sprintf("PGCONNECT_TIMEOUT=%d", int(p.conn.timeout().Seconds()))}
	if p.conn.Password != "" {
		env = append(env, "PGPASSWORD="+p.conn.Password)
	}
	return env
}

func (p *postgres) connArgs(database string) []string {
	return []string{
		"--host=" + p.conn.Host,
		"--port=" + strconv.Itoa(p.conn.Port),
		"--username=" + p.conn.Username,
		"--dbname=" + database,
	}
}

func (p *postgres) Probe(ctx context.Context) (ServerInfo, error) {
	return probe(ctx, p.opts.Open, pgDriver, p.dsn(p.conn.Database), "SELECT version()", p.conn.timeout())
}

func (p *postgres) Dump(ctx context.Context, w io.Writer) error {
	tool, err := lookTool(p.opts.Runner, pgDumpTool)
	if err != nil {
		return fault.Configuration("dump", err)
	}
	args := append(p.connArgs(p.conn.Database),
		"--format=plain",
		"--encoding=UTF8",
		"--no-owner",
		"--no-acl",
		"--clean",
		"--if-exists",
	)
	args = append(args, p.conn.DumpArgs...)
	p.opts.Logger.WithField("tool", tool).WithField("db", p.conn.String()).Debug("starting dump")
	return dumpError(ctx, p.opts.Runner.Run(ctx, Command{Path: tool, Args: args, Env: p.env(), Stdout: w}))
}

func (p *postgres) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	tool, err := lookTool(p.opts.Runner, psqlTool)
	if err != nil {
		return fault.Configuration("restore", err)
	}
	if err := p.prepare(ctx, opts.Clean); err != nil {
		return err
	}
	args := append(p.connArgs(p.conn.Database),
		"--no-psqlrc",
		"--quiet",
		"--single-transaction",
		"--set=ON_ERROR_STOP=1",
	)
	p.opts.Logger.WithField("tool", tool).WithField("db", p.conn.String()).Debug("starting restore")
	return restoreError(ctx, p.opts.Runner.Run(ctx, Command{Path: tool, Args: args, Env: p.env(), Stdin: r}))
}

// prepare makes sure the target database exists, dropping it first when
// clean is set.
func (p *postgres) prepare(ctx context.Context, clean bool) error {
	db, err := p.opts.Open(pgDriver, p.dsn(pgMaintenanceDB))
	if err != nil {
		return fault.Connection("prepare restore", err)
	}
	defer db.Close()

	ident := pgx.Identifier{p.conn.Database}.Sanitize()
	if clean {
		if _, err := db.ExecContext(ctx,
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
			p.conn.Database); err != nil {
			return fault.Restore("terminate sessions", err)
		}
		if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
			return fault.Restore("drop database", err)
		}
	}

	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, p.conn.Database).Scan(&one)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fault.Connection("prepare restore", err)
	}
	p.opts.Logger.WithField("database", p.conn.Database).Info("creating database")
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+ident); err != nil {
		return fault.Restore("create database", err)
	}
	return nil
}

func dumpError(ctx context.Context, err error) error {
	return toolError(ctx, "dump", err, fault.Dump)
}

func restoreError(ctx context.Context, err error) error {
	return toolError(ctx, "restore", err, fault.Restore)
}

func toolError(ctx context.Context, op string, err error, wrap func(string, error) *fault.Error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fault.New(fault.KindCanceled, op, ctx.Err())
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return wrap(op, err)
}
