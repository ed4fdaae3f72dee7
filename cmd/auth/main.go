package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alexflint/go-arg"
	"github.com/polastre/flickrup"
)

func main() {
	var args struct {
		APIKey     string `arg:"env:FLICKR_API_KEY,--api-key,required"`
		APISecret  string `arg:"env:FLICKR_API_SECRET,--api-secret,required"`
		TokenCache string `arg:"env:FLICKR_TOKEN_CACHE,--token-cache" help:"OAuth token cache [default: ~/.flickr/oauth-tokens.sqlite]"`
		Forget     bool   `arg:"--forget" help:"drop the cached token and authorize again"`
		Verbose    bool   `arg:"-v,--verbose" help:"debug logging"`
	}
	arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := flickrup.NewLogger(os.Stderr, args.Verbose)
	if args.TokenCache == "" {
		path, err := flickrup.DefaultTokenCachePath()
		if err != nil {
			panic(err)
		}
		args.TokenCache = path
	}
	cache, err := flickrup.OpenTokenCache(ctx, args.TokenCache, logger)
	if err != nil {
		panic(err)
	}
	defer cache.Close()

	if args.Forget {
		if err := cache.Forget(ctx, args.APIKey); err != nil {
			panic(err)
		}
	}

	client := flickrup.NewClient(flickrup.Credentials{
		APIKey:    args.APIKey,
		APISecret: args.APISecret,
	})
	client.Tokens = cache
	client.Logger = logger

	session, err := client.Authenticate(ctx, flickrup.ConsoleVerifier{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		panic(err)
	}
	tok := session.Token
	fmt.Printf("Authorized as %s (%s) with %s permission.\nToken cached in %s\n",
		tok.Username, tok.UserNSID, tok.Perms, args.TokenCache)
}
