// Command wglimitctl inspects and configures a running limiter daemon over
// its control API.
//
// Usage:
//
//	wglimitctl -server URL -token TOKEN report
//	wglimitctl -server URL -token TOKEN get <interface> <public-key>
//	wglimitctl -server URL -token TOKEN set <interface> <public-key> [-max N] [-policy new_wins|old_wins] [-ttl SECONDS] [-grace SECONDS]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/usui/wglimit/client"
	"github.com/usui/wglimit/limit"
	"github.com/usui/wglimit/util"
)

func main() {
	util.SetupLog(false)

	var server string
	var tokenStr string
	flag.StringVar(&server, "server", "http://127.0.0.1:8090", "base URL of the limiter daemon")
	flag.StringVar(&tokenStr, "token", "", "bearer token (base64); defaults to $WGLIMIT_TOKEN")
	flag.Parse()

	if tokenStr == "" {
		tokenStr = os.Getenv("WGLIMIT_TOKEN")
	}
	token, err := util.ParseToken(tokenStr)
	if err != nil {
		zap.S().Fatalf("parsing token: %s", err)
	}
	c, err := client.New(server, *token)
	if err != nil {
		zap.S().Fatalf("parsing server URL: %s", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		zap.S().Fatal("expected a command: report, get, or set")
	}
	switch args[0] {
	case "report":
		report, err := c.Report()
		if err != nil {
			zap.S().Fatal(err)
		}
		printJSON(report)
	case "get":
		if len(args) != 3 {
			zap.S().Fatal("usage: get <interface> <public-key>")
		}
		resp, err := c.PeerLimit(limit.PeerKey{Interface: args[1], PublicKey: args[2]})
		if err != nil {
			zap.S().Fatal(err)
		}
		printJSON(resp)
	case "set":
		if len(args) < 3 {
			zap.S().Fatal("usage: set <interface> <public-key> [flags]")
		}
		key := limit.PeerKey{Interface: args[1], PublicKey: args[2]}
		// Start from the peer's current settings so one flag can be changed
		// without restating the rest.
		current, err := c.PeerLimit(key)
		if err != nil {
			zap.S().Fatal(err)
		}
		settings := current.Settings
		fs := flag.NewFlagSet("set", flag.ExitOnError)
		fs.IntVar(&settings.MaxConcurrent, "max", settings.MaxConcurrent, "maximum concurrent endpoints, 0 for unlimited")
		policyStr := fs.String("policy", string(settings.Policy), "new_wins or old_wins")
		fs.IntVar(&settings.TTLSeconds, "ttl", settings.TTLSeconds, "handshake freshness window in seconds")
		fs.IntVar(&settings.GraceSeconds, "grace", settings.GraceSeconds, "grace window in seconds")
		if err := fs.Parse(args[3:]); err != nil {
			zap.S().Fatal(err)
		}
		settings.Policy, err = limit.ParsePolicy(*policyStr)
		if err != nil {
			zap.S().Fatal(err)
		}
		if err := c.SetPeerLimit(key, settings); err != nil {
			zap.S().Fatal(err)
		}
		printJSON(settings)
	default:
		zap.S().Fatalf("unknown command %q: expected report, get, or set", args[0])
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(data))
}
