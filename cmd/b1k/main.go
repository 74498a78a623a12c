package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/internal/utils"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/job"
	"github.com/voidshard/b1k/pkg/queue"
	"github.com/voidshard/b1k/pkg/transfer"
)

type optsGeneral struct {
	Config    string `short:"c" long:"config" env:"B1K_CONFIG" description:"Path to the config file" default:"/etc/b1k/b1k.conf"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
	LogFormat string `long:"log-format" env:"LOG_FORMAT" description:"Log format (text or json)" default:"text"`
	Host      string `long:"host-name" env:"B1K_HOST" description:"Act as this host (default: os hostname)"`
}

type optsQueue struct {
	QueueURL       string `long:"queue-url" env:"QUEUE_URL" description:"Redis connection string" default:"redis://localhost:6379/0"`
	QueueTLSCaCert string `long:"queue-tls-ca-cert" env:"QUEUE_TLS_CA_CERT" description:"Path to CA certificate for the queue"`
	QueueTLSCert   string `long:"queue-tls-cert" env:"QUEUE_TLS_CERT" description:"Path to client certificate for the queue"`
	QueueTLSKey    string `long:"queue-tls-key" env:"QUEUE_TLS_KEY" description:"Path to client key for the queue"`
}

// setup configures logging & loads the config file.
func (o *optsGeneral) setup() (*config.Store, *job.Options, error) {
	level := ""
	if o.Debug {
		level = "debug"
	}
	logger.Configure(level, o.LogFormat)

	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &job.Options{Host: o.Host, Engine: transfer.NewRsync()}, nil
}

func (o *optsQueue) open() (queue.Queue, error) {
	tlsCfg, err := utils.TLSConfig(o.QueueTLSCaCert, o.QueueTLSCert, o.QueueTLSKey)
	if err != nil {
		return nil, err
	}
	return queue.NewAsynqQueue(&queue.Options{URL: o.QueueURL, TLSConfig: tlsCfg})
}

// interruptible returns a context cancelled on SIGINT.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func main() {
	parser := flags.NewParser(nil, flags.Default)

	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"run", "Run jobs", docRun, &optsRun{}},
		{"resume", "Resume a failed run", docResume, &optsResume{}},
		{"jobs", "List configured jobs", docJobs, &optsJobs{}},
		{"worker", "Run jobs requested over the queue", docWorker, &optsWorker{}},
		{"enqueue", "Ask a host to run a job", docEnqueue, &optsEnqueue{}},
		{"cancel", "Withdraw a queued request", docCancel, &optsCancel{}},
		{"migrate", "Create or update a SQL report schema", docMigrate, &optsMigrate{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		switch flagsErr := err.(type) {
		case *flags.Error:
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		default:
			os.Exit(1)
		}
	}
}
