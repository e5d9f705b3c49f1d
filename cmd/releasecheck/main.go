package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configEnv lists config files when --config is not given.
const configEnv = "RELEASECHECK_CONFIG"

// Set at build time through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFiles  []string
	logLevel  string
	logFormat string
	log       = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "releasecheck",
	Short: "Release readiness engine for website QA",
	Long: `Releasecheck turns a release candidate's URLs and selected test types into
queued test runs, hands them to workers, scores the findings they report and
decides whether the release is ready to ship.

Config files are read from --config, or from the comma separated list in
` + configEnv + `. Later files override earlier ones and RELEASECHECK_*
environment variables override both.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()

		if versionShort {
			fmt.Fprintln(out, version)

			return
		}

		fmt.Fprintf(out, "releasecheck %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&cfgFiles, "config", nil,
		"config file path, repeatable (default $"+configEnv+")")
	flags.StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}

// setupLogging applies the logging flags and resolves the config file list.
func setupLogging(cmd *cobra.Command, _ []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	switch logFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}

	if !cmd.Flags().Changed("config") {
		if env := os.Getenv(configEnv); env != "" {
			for _, f := range strings.Split(env, ",") {
				if f = strings.TrimSpace(f); f != "" {
					cfgFiles = append(cfgFiles, f)
				}
			}
		}
	}

	return nil
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
