// The threadview command is a terminal front end for the mail thread
// engine: it authenticates against Gmail, lists the inbox and the
// classified views, and archives or unarchives threads.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/matta/threadview/internal/auth"
	"github.com/matta/threadview/internal/engine"
	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/homedir"
	"github.com/matta/threadview/internal/persist"
	"github.com/matta/threadview/internal/tracehttp"
	"github.com/matta/threadview/internal/view"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace = flag.Bool("T", false, "request debug tracing")
	flagDB    = flag.String("db", "", "credential database path (default ~/.threadview.db)")
	flagMax   = flag.Int64("n", 25, "maximum results per page")
	flagQuery = flag.String("q", "", "extra provider search terms")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: threadview [flags] <command>\n\n"+
			"commands:\n"+
			"  login                 run the interactive browser consent flow\n"+
			"  logout                discard the stored credential\n"+
			"  profile               print the authenticated account\n"+
			"  inbox                 list inbox mail\n"+
			"  unanswered            list threads awaiting your reply\n"+
			"  replied               list threads you answered\n"+
			"  archived              list archived mail\n"+
			"  archive <threadID>    archive a thread\n"+
			"  unarchive <threadID>  unarchive a thread\n"+
			"  read <id>             mark a thread read (message or thread id)\n\n"+
			"flags:\n")
	flag.PrintDefaults()
}

func oauthConfig() (*oauth2.Config, error) {
	id := os.Getenv("THREADVIEW_CLIENT_ID")
	secret := os.Getenv("THREADVIEW_CLIENT_SECRET")
	if id == "" || secret == "" {
		return nil, errors.New("THREADVIEW_CLIENT_ID and THREADVIEW_CLIENT_SECRET must be set")
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			gmail.ModifyScope,
			gmail.SendScope,
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	}, nil
}

func dbPath() (string, error) {
	if *flagDB != "" {
		return *flagDB, nil
	}
	home, err := homedir.Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".threadview.db"), nil
}

func printMail(res view.Result) {
	for _, m := range res.Mails {
		marker := " "
		if m.IsUnread {
			marker = "*"
		}
		fmt.Printf("%s %s  %-30.30s  %-40.40s  %s\n",
			marker, time.UnixMilli(m.Date).Format("2006-01-02"),
			m.From, m.Subject, m.ThreadID)
	}
	if res.NextPageToken != "" {
		fmt.Printf("  (more: next page token %s)\n", res.NextPageToken)
	}
}

func run(ctx context.Context, command string, args []string) error {
	conf, err := oauthConfig()
	if err != nil {
		return err
	}

	path, err := dbPath()
	if err != nil {
		return err
	}
	db, err := persist.Open(ctx, path)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	if *flagTrace {
		ctx = context.WithValue(ctx, oauth2.HTTPClient,
			tracehttp.Client(&http.Client{}))
	}

	broker := auth.NewBroker(conf, db, "default")
	eng := engine.New(broker)
	params := view.Params{MaxResults: *flagMax, Query: *flagQuery}

	switch command {
	case "login":
		if err := eng.Login(ctx); err != nil {
			return err
		}
		profile, err := eng.UserProfile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", profile.Email)
		return nil
	case "logout":
		return eng.Logout(ctx)
	case "profile":
		profile, err := eng.UserProfile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s <%s>\n", profile.Name, profile.Email)
		return nil
	case "inbox":
		res, err := eng.ListInbox(ctx, params)
		if err != nil {
			return err
		}
		printMail(res)
		return nil
	case "unanswered":
		res, err := eng.ListUnanswered(ctx, params)
		if err != nil {
			return err
		}
		printMail(res)
		return nil
	case "replied":
		res, err := eng.ListReplied(ctx, params)
		if err != nil {
			return err
		}
		printMail(res)
		return nil
	case "archived":
		res, err := eng.ListArchived(ctx, params)
		if err != nil {
			return err
		}
		printMail(res)
		return nil
	case "archive":
		if len(args) != 1 {
			return errors.New("usage: threadview archive <threadID>")
		}
		return eng.ArchiveThread(ctx, args[0])
	case "unarchive":
		if len(args) != 1 {
			return errors.New("usage: threadview unarchive <threadID>")
		}
		return eng.UnarchiveThread(ctx, args[0])
	case "read":
		if len(args) != 1 {
			return errors.New("usage: threadview read <id>")
		}
		return eng.MarkThreadRead(ctx, args[0])
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(context.Background(), flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
