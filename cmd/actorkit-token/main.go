package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/actorkit/backend/internal/auth"
	"github.com/actorkit/backend/internal/core"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	secret := os.Getenv("ACTOR_KIT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ACTOR_KIT_SECRET is not set")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "access":
		cmdAccess([]byte(secret))
	case "connection":
		cmdConnection([]byte(secret))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`actorkit-token

Usage: actorkit-token <command> [flags]

Commands:
  access      Mint an access token for one actor
  connection  Mint a connection token for an actor type
  help        Show this help

Environment:
  ACTOR_KIT_SECRET  HMAC signing key shared with the server

Examples:
  actorkit-token access --actor-type todo --actor-id 9f1c... --caller-type client --caller-id 4b2a...
  actorkit-token access --actor-type todo --actor-id 9f1c... --caller-type service --caller-id worker-1
  actorkit-token connection --actor-type todo --caller-type client --caller-id 4b2a...`)
}

func cmdAccess(key []byte) {
	fs := flag.NewFlagSet("access", flag.ExitOnError)
	actorType := fs.String("actor-type", "", "actor type the token grants access to")
	actorID := fs.String("actor-id", "", "actor id the token grants access to")
	callerType := fs.String("caller-type", "client", "caller type: client or service")
	callerID := fs.String("caller-id", "", "caller id (defaults to a fresh uuid)")
	fs.Parse(os.Args[2:])

	if *actorType == "" || *actorID == "" {
		fmt.Fprintln(os.Stderr, "--actor-type and --actor-id are required")
		os.Exit(1)
	}

	caller := resolveCaller(*callerType, *callerID)
	token, err := auth.IssueAccessToken(key, core.Address{Type: *actorType, ID: *actorID}, caller)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint access token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("caller: %s\n", caller)
	fmt.Println(token)
}

func cmdConnection(key []byte) {
	fs := flag.NewFlagSet("connection", flag.ExitOnError)
	actorType := fs.String("actor-type", "", "actor type the token grants access to")
	callerType := fs.String("caller-type", "client", "caller type: client or service")
	callerID := fs.String("caller-id", "", "caller id (defaults to a fresh uuid)")
	fs.Parse(os.Args[2:])

	if *actorType == "" {
		fmt.Fprintln(os.Stderr, "--actor-type is required")
		os.Exit(1)
	}

	caller := resolveCaller(*callerType, *callerID)
	connectionID := uuid.NewString()
	token, err := auth.IssueConnectionToken(key, *actorType, connectionID, caller)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint connection token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("caller: %s\n", caller)
	fmt.Printf("connectionId: %s\n", connectionID)
	fmt.Println(token)
}

func resolveCaller(callerType, callerID string) core.Caller {
	if callerID == "" {
		callerID = uuid.NewString()
	}
	caller, err := core.ParseCaller(fmt.Sprintf("%s-%s", callerType, callerID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid caller: %v\n", err)
		os.Exit(1)
	}
	return caller
}
