package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	feed2mobi "github.com/skypiea/feed2mobi-go/lib"
)

func init() {
	pflag.String("config", "config.yaml", "config file path")
	pflag.Bool("update", false, "fetch all active feeds and ingest new entries")
	pflag.Int("deliver", -1, "build and mail periodicals for accounts with this delivery hour")
	pflag.String("subscribe", "", "feed url or id to subscribe --account to")
	pflag.String("unsubscribe", "", "feed url or id to unsubscribe --account from")
	pflag.String("account", "", "account name for --subscribe/--unsubscribe")
	pflag.Bool("daemon", false, "run forever, updating and delivering on a schedule")

	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)

	viper.SetDefault("paths.db", "data/feed2mobi.db")
	viper.SetDefault("paths.data", "data")
	viper.SetDefault("fetch.timeout", "10s")
	viper.SetDefault("update.workers", 4)
	viper.SetDefault("kindlegen.program", "kindlegen")
	viper.SetDefault("mail.from", "feed2mobi@localhost")
	viper.SetDefault("mail.command", []string{"sendmail", "-t"})
	viper.SetDefault("daemon.update", "@every 30m")

	viper.SetConfigFile(viper.GetString("config"))

	if err := viper.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		panic(err)
	}
}

func main() {
	db, err := feed2mobi.OpenDB(viper.GetString("paths.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := feed2mobi.MigrateDB(db); err != nil {
		log.Fatal(err)
	}

	store := feed2mobi.NewContentStore(viper.GetString("paths.data"))
	fetcher := feed2mobi.NewHTTPFetcher(viper.GetDuration("fetch.timeout"))
	mgr := feed2mobi.NewManager(db, store, fetcher)

	builder := &feed2mobi.Builder{
		Dir:      viper.GetString("paths.data"),
		Compiler: feed2mobi.KindleGen{Program: viper.GetString("kindlegen.program")},
	}
	mailer := &feed2mobi.CommandMailer{
		From:    viper.GetString("mail.from"),
		Command: viper.GetStringSlice("mail.command"),
	}

	ctx := context.Background()

	switch {
	case viper.GetString("subscribe") != "":
		accountID := mustAccount(mgr)
		feedID, err := mgr.Subscribe(ctx, viper.GetString("subscribe"), accountID)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Subscribed account#%d to feed#%d", accountID, feedID)
	case viper.GetString("unsubscribe") != "":
		accountID := mustAccount(mgr)
		if err := mgr.Unsubscribe(viper.GetString("unsubscribe"), accountID); err != nil {
			log.Fatal(err)
		}
	case viper.GetBool("update"):
		if err := mgr.Update(ctx, viper.GetInt("update.workers")); err != nil {
			log.Fatal(err)
		}
	case viper.GetInt("deliver") >= 0:
		if err := mgr.DeliverHour(ctx, viper.GetInt("deliver"), builder, mailer); err != nil {
			log.Fatal(err)
		}
	case viper.GetBool("daemon"):
		runDaemon(ctx, mgr, builder, mailer)
	default:
		pflag.Usage()
	}
}

func mustAccount(mgr *feed2mobi.Manager) int64 {
	name := viper.GetString("account")
	if name == "" {
		log.Fatal("--account is required")
	}
	id, actived, err := mgr.Account(name)
	if err != nil {
		log.Fatal(err)
	}
	if !actived {
		log.Fatalf("account %s is deactivated", name)
	}
	return id
}

func runDaemon(ctx context.Context, mgr *feed2mobi.Manager, builder *feed2mobi.Builder, mailer feed2mobi.Mailer) {
	c := cron.New()

	if _, err := c.AddFunc(viper.GetString("daemon.update"), func() {
		if viper.GetBool("debug") {
			log.Println("Running scheduled update")
		}
		if err := mgr.Update(ctx, viper.GetInt("update.workers")); err != nil {
			log.Printf("Scheduled update failed: %s", err)
		}
	}); err != nil {
		log.Fatal(err)
	}

	if _, err := c.AddFunc("0 * * * *", func() {
		if err := mgr.DeliverHour(ctx, time.Now().Hour(), builder, mailer); err != nil {
			log.Printf("Scheduled delivery failed: %s", err)
		}
	}); err != nil {
		log.Fatal(err)
	}

	c.Start()
	defer c.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
