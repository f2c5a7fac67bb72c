// Command webserver runs the reactor HTTP server.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/renmale-lv/MyWebServer/server"
)

func main() {
	var cfg server.Config

	flag.IntVar(&cfg.Port, "port", 1316, "listen port (1024-65535)")
	flag.IntVar(&cfg.TrigMode, "trig-mode", 3, "trigger mode: 0=both LT, 1=client ET, 2=listen ET, 3=both ET")
	flag.IntVar(&cfg.TimeoutMS, "timeout", 60000, "idle connection timeout in milliseconds")
	flag.BoolVar(&cfg.OptLinger, "linger", false, "enable SO_LINGER on the listen socket")
	flag.StringVar(&cfg.SrcDir, "src-dir", "", "static file root (default ./resources/)")

	flag.StringVar(&cfg.SQLHost, "sql-host", "localhost", "MySQL host")
	flag.IntVar(&cfg.SQLPort, "sql-port", 3306, "MySQL port")
	flag.StringVar(&cfg.SQLUser, "sql-user", "root", "MySQL user")
	flag.StringVar(&cfg.SQLPassword, "sql-password", "root", "MySQL password")
	flag.StringVar(&cfg.DBName, "db-name", "webserver", "MySQL database")
	flag.IntVar(&cfg.ConnPoolNum, "sql-pool", 12, "database connection pool size")
	flag.BoolVar(&cfg.DisableDB, "no-db", false, "run without MySQL (static files only)")

	flag.IntVar(&cfg.ThreadNum, "workers", 6, "worker thread count")

	flag.BoolVar(&cfg.OpenLog, "log", true, "enable logging")
	flag.IntVar(&cfg.LogLevel, "log-level", 1, "log level: 0=debug 1=info 2=warn 3=error")
	flag.IntVar(&cfg.LogQueueSize, "log-queue", 1024, "async log queue size (0 = synchronous)")

	flag.Parse()

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "webserver:", err)
		os.Exit(1)
	}
	srv.Start()
}
