// Command gk-chat is a terminal client for the chat gateway.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/and161185/goph-chat/internal/auth"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---- config/token store ----

type tokenFile struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	UserID      model.UserID `json:"user_id"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gk-chat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gk-chat")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time, user model.UserID) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp, UserID: user})
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (run: gk-chat token)")
	}
	return tf, nil
}

// ---- utils ----

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func parseIDs(s string) ([]model.MessageID, error) {
	var ids []model.MessageID
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bad message id %q", p)
		}
		ids = append(ids, model.MessageID(v))
	}
	if len(ids) == 0 {
		return nil, errors.New("no message ids")
	}
	return ids, nil
}

// resolveUser prefers an explicit flag, then the identity stored with the token.
func resolveUser(flagVal int64, tf tokenFile) (model.UserID, error) {
	if flagVal > 0 {
		return model.UserID(flagVal), nil
	}
	if tf.UserID > 0 {
		return tf.UserID, nil
	}
	return 0, errors.New("user id required (-user or a saved token)")
}

func usage() {
	fmt.Fprintf(os.Stderr, `gk-chat CLI
Usage:
  gk-chat -addr ws://HOST:PORT/ws [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  token   -key <jwt key> -user <id> [-ttl 24h]      (dev: saves a signed token)
  listen  [-user <id>]                               (register and print events)
  send    [-user <id>] -to <id> -text <msg> [-wait 2s]
  read    [-user <id>] -from <sender id> -ids 1,2,3
`)
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands over one websocket session each.
func main() {
	// global flags
	addr := flag.String("addr", "ws://localhost:8080/ws", "gateway URL")
	caPath := flag.String("cacert", "", "CA cert (PEM) for wss://")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd == "version" {
		fmt.Printf("gk-chat %s (%s)\n", version, buildDate)
		return
	}
	if cmd == "token" {
		fs := flag.NewFlagSet("token", flag.ExitOnError)
		key := fs.String("key", "", "HS256 key shared with the server")
		user := fs.Int64("user", 0, "user id")
		ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *user <= 0 {
			fmt.Fprintln(os.Stderr, "need -key and -user")
			os.Exit(1)
		}
		tok, exp, err := auth.Issue([]byte(*key), model.UserID(*user), *ttl, time.Now())
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok, exp, model.UserID(*user)); err != nil {
			fail(err)
		}
		fmt.Println("ok, expires", exp.Format(time.RFC3339))
		return
	}

	tlsCfg, err := loadTLS(*caPath, *insecure)
	if err != nil {
		fail(err)
	}
	// a missing token is fine against a dev server
	tf, _ := loadToken()

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	userFlag := fs.Int64("user", 0, "own user id")

	switch cmd {

	case "listen":
		_ = fs.Parse(flag.Args()[1:])
		user, err := resolveUser(*userFlag, tf)
		if err != nil {
			fail(err)
		}
		s, err := dial(ctx, *addr, tf.AccessToken, tlsCfg)
		if err != nil {
			fail(err)
		}
		defer s.Close()
		if err := s.listen(ctx, user, os.Stdout); err != nil && ctx.Err() == nil {
			fail(err)
		}

	case "send":
		to := fs.Int64("to", 0, "receiver id")
		text := fs.String("text", "", "message text")
		wait := fs.Duration("wait", 2*time.Second, "how long to wait for acknowledgements")
		_ = fs.Parse(flag.Args()[1:])
		user, err := resolveUser(*userFlag, tf)
		if err != nil {
			fail(err)
		}
		if *to <= 0 || *text == "" {
			fmt.Fprintln(os.Stderr, "need -to and -text")
			os.Exit(1)
		}
		s, err := dial(ctx, *addr, tf.AccessToken, tlsCfg)
		if err != nil {
			fail(err)
		}
		defer s.Close()
		ev := protocol.Send{
			SenderID:   user,
			ReceiverID: model.UserID(*to),
			Text:       *text,
			TempID:     fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		}
		if err := s.send(ctx, ev, *wait, os.Stdout); err != nil {
			fail(err)
		}

	case "read":
		from := fs.Int64("from", 0, "sender of the messages")
		idsFlag := fs.String("ids", "", "comma separated message ids")
		_ = fs.Parse(flag.Args()[1:])
		user, err := resolveUser(*userFlag, tf)
		if err != nil {
			fail(err)
		}
		ids, err := parseIDs(*idsFlag)
		if err != nil {
			fail(err)
		}
		if *from <= 0 {
			fmt.Fprintln(os.Stderr, "need -from")
			os.Exit(1)
		}
		s, err := dial(ctx, *addr, tf.AccessToken, tlsCfg)
		if err != nil {
			fail(err)
		}
		defer s.Close()
		ev := protocol.Read{MessageIDs: ids, SenderID: model.UserID(*from), ReceiverID: user}
		if err := s.read(ctx, ev, time.Second, os.Stdout); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}
