package adapter

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"dbkp/internal/fault"
)

const mysqlDriver = "mysql"

// mysqlFamily serves MySQL and MariaDB; they differ only in tool names.
type mysqlFamily struct {
	kind        Kind
	conn        Connection
	opts        Options
	dumpTools   []string
	clientTools []string
}

func newMySQL(kind Kind, conn Connection, opts Options) *mysqlFamily {
	if conn.Port == 0 {
		conn.Port = 3306
	}
	m := &mysqlFamily{
		kind:        kind,
		conn:        conn,
		opts:        opts,
		dumpTools:   []string{"mysqldump"},
		clientTools: []string{"mysql"},
	}
	if kind == MariaDB {
		m.dumpTools = []string{"mariadb-dump", "mysqldump"}
		m.clientTools = []string{"mariadb", "mysql"}
	}
	return m
}

func (m *mysqlFamily) Kind() Kind { return m.kind }

func (m *mysqlFamily) dsn(database string) string {
	cfg := mysql.NewConfig()
	cfg.User = m.conn.Username
	cfg.Passwd = m.conn.Password
	cfg.Net = "tcp"
	cfg.Addr = m.conn.addr()
	cfg.DBName = database
	cfg.Timeout = m.conn.timeout()
	return cfg.FormatDSN()
}

func (m *mysqlFamily) env() []string {
	if m.conn.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + m.conn.Password}
}

func (m *mysqlFamily) connArgs() []string {
	return []string{
		"--host=" + m.conn.Host,
		"--port=" + strconv.Itoa(m.conn.Port),
		"--user=" + m.conn.Username,
		"--protocol=TCP",
	}
}

func (m *mysqlFamily) Probe(ctx context.Context) (ServerInfo, error) {
	return probe(ctx, m.opts.Open, mysqlDriver, m.dsn(m.conn.Database), "SELECT VERSION()", m.conn.timeout())
}

func (m *mysqlFamily) Dump(ctx context.Context, w io.Writer) error {
	tool, err := lookTool(m.opts.Runner, m.dumpTools...)
	if err != nil {
		return fault.Configuration("dump", err)
	}
	args := append(m.connArgs(),
		"--single-transaction",
		"--routines",
		"--triggers",
		"--events",
		"--no-tablespaces",
		"--hex-blob",
	)
	args = append(args, m.conn.DumpArgs...)
	args = append(args, m.conn.Database)
	m.opts.Logger.WithField("tool", tool).WithField("db", m.conn.String()).Debug("starting dump")
	return dumpError(ctx, m.opts.Runner.Run(ctx, Command{Path: tool, Args: args, Env: m.env(), Stdout: w}))
}

func (m *mysqlFamily) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	tool, err := lookTool(m.opts.Runner, m.clientTools...)
	if err != nil {
		return fault.Configuration("restore", err)
	}
	if err := m.prepare(ctx, opts.Clean); err != nil {
		return err
	}
	args := append(m.connArgs(),
		"--connect-timeout="+strconv.Itoa(int(m.conn.timeout().Seconds())),
		m.conn.Database,
	)
	m.opts.Logger.WithField("tool", tool).WithField("db", m.conn.String()).Debug("starting restore")
	return restoreError(ctx, m.opts.Runner.Run(ctx, Command{Path: tool, Args: args, Env: m.env(), Stdin: r}))
}

func (m *mysqlFamily) prepare(ctx context.Context, clean bool) error {
	db, err := m.opts.Open(mysqlDriver, m.dsn(""))
	if err != nil {
		return fault.Connection("prepare restore", err)
	}
	defer db.Close()

	ident := quoteMySQLIdent(m.conn.Database)
	if clean {
		if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
			return fault.Restore("drop database", err)
		}
	}
	if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+ident); err != nil {
		return fault.Restore("create database", err)
	}
	return nil
}

func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
