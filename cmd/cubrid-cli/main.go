// Command cubrid-cli is a small demonstration client for pkg/cas: it
// opens a session against a CAS broker, runs one SQL statement, prints
// the first page of results, and closes cleanly.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ysw505/go-cubrid/internal/caslog"
	"github.com/ysw505/go-cubrid/pkg/cas"
)

type cliConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SQL          string
	CacheTimeout time.Duration
	LogLevel     string
	Autocommit   bool
}

var cfg cliConfig

var rootCmd = &cobra.Command{
	Use:   "cubrid-cli",
	Short: "Run one statement against a CUBRID broker and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := caslog.New(parseLevel(cfg.LogLevel))

		session, err := cas.OpenWithLogger(logger,
			cas.WithHost(cfg.Host),
			cas.WithPort(cfg.Port),
			cas.WithUser(cfg.User),
			cas.WithPassword(cfg.Password),
			cas.WithDatabase(cfg.Database),
			cas.WithAutocommit(cfg.Autocommit),
			cas.WithCache(cfg.CacheTimeout),
		)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer session.Close()

		if cfg.SQL == "" {
			version, err := session.EngineVersion()
			if err != nil {
				return fmt.Errorf("engine version: %w", err)
			}
			fmt.Println(version)
			return nil
		}

		result, err := session.Query(cfg.SQL)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		printResult(result)
		return nil
	},
	Example: `  cubrid-cli --host localhost --port 33000 --db demodb --sql "select * from athlete"`,
}

func printResult(result *cas.ExecuteResult) {
	for _, col := range result.Columns {
		fmt.Printf("%s\t", col.Name)
	}
	fmt.Println()
	for _, row := range result.Rows {
		for _, val := range row.Values {
			fmt.Printf("%s\t", val)
		}
		fmt.Println()
	}
	fmt.Printf("(%d rows total)\n", result.TotalCount)
}

func parseLevel(s string) caslog.Level {
	switch s {
	case "debug":
		return caslog.LevelDebug
	case "warn":
		return caslog.LevelWarn
	case "error":
		return caslog.LevelError
	case "none":
		return caslog.LevelNone
	default:
		return caslog.LevelInfo
	}
}

func init() {
	rootCmd.Flags().StringVar(&cfg.Host, "host", "localhost", "Broker host")
	rootCmd.Flags().IntVar(&cfg.Port, "port", 33000, "Broker port")
	rootCmd.Flags().StringVar(&cfg.User, "user", "public", "Database user")
	rootCmd.Flags().StringVar(&cfg.Password, "password", "", "Database password")
	rootCmd.Flags().StringVar(&cfg.Database, "db", "demodb", "Database name")
	rootCmd.Flags().StringVar(&cfg.SQL, "sql", "", "Statement to run; prints the engine version if omitted")
	rootCmd.Flags().DurationVar(&cfg.CacheTimeout, "cache-timeout", 0, "Response cache TTL, 0 disables it")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn, error, or none")
	rootCmd.Flags().BoolVar(&cfg.Autocommit, "autocommit", true, "Start the session in auto-commit mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
