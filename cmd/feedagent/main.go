package main

import (
	"github.com/alecthomas/kong"
)

// Version will be set during build
var Version = "dev"

type Globals struct {
	ConfigPath string           `name:"config" short:"c" type:"path" help:"Path to the YAML settings file (default: FEEDAGENT_CONFIG or feedagent.yaml)."`
	LogLevel   string           `name:"log-level" help:"Override the configured log level."`
	Version    kong.VersionFlag `help:"Print version information and exit."`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Fetch feeds, summarize new articles and print the digest."`
	Ingest   IngestCmd   `cmd:"" help:"Fetch feeds and store new articles without analyzing them."`
	Analyze  AnalyzeCmd  `cmd:"" help:"Summarize pending articles and build the digest."`
	Test     TestCmd     `cmd:"" help:"Probe feeds and report what the pipeline would see."`
	Status   StatusCmd   `cmd:"" help:"Show article counts, feed health and recent runs."`
	Cache    CacheCmd    `cmd:"" help:"Inspect or clear the summary cache."`
	Config   ConfigCmd   `cmd:"" help:"Validate and print the effective configuration."`
	Schedule ScheduleCmd `cmd:"" help:"Run the pipeline on an interval until interrupted."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("feedagent"),
		kong.Description("Summarizes newsletter feeds into a daily digest."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
