package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alexflint/go-arg"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/mattn/go-isatty"
	"github.com/polastre/flickrup"
)

type args struct {
	APIKey         string `arg:"env:FLICKR_API_KEY,--api-key" help:"Flickr API key"`
	APISecret      string `arg:"env:FLICKR_API_SECRET,--api-secret" help:"Flickr API secret"`
	TokenCache     string `arg:"env:FLICKR_TOKEN_CACHE,--token-cache" help:"OAuth token cache [default: ~/.flickr/oauth-tokens.sqlite]"`
	ManifestBucket string `arg:"env:FLICKR_MANIFEST_BUCKET,--manifest-bucket" help:"S3 bucket to receive a JSON manifest of the upload"`
	ManifestKey    string `arg:"--manifest-key" default:"flickrup/manifest.json" help:"S3 key of the manifest"`
	Verbose        bool   `arg:"-v,--verbose" help:"debug logging"`
	Directory      string `arg:"positional,required" help:"directory to upload"`
}

func (args) Description() string {
	return "Recursively uploads the png, jpg, jpeg, gif and bmp files in a directory to Flickr as private photos."
}

// replaced in tests
var (
	endpoints        = flickrup.DefaultEndpoints
	manifestUploader s3manageriface.UploaderAPI
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var a args
	p, err := arg.NewParser(arg.Config{Program: "flickrupload"}, &a)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := p.Parse(argv); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(stdout)
			return 0
		}
		if credentials(a).Validate() != nil {
			fmt.Fprintln(stdout, "Please set the FLICKR_API_KEY and FLICKR_API_SECRET environment variables.")
			return 1
		}
		p.WriteUsage(stderr)
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	creds := credentials(a)
	if err := creds.Validate(); err != nil {
		fmt.Fprintln(stdout, "Please set the FLICKR_API_KEY and FLICKR_API_SECRET environment variables.")
		return 1
	}

	if err := flickrup.CheckDirectory(a.Directory); err != nil {
		if errors.Is(err, flickrup.ErrDirectoryNotFound) {
			fmt.Fprintf(stdout, "Directory %s does not exist.\n", a.Directory)
		} else {
			fmt.Fprintln(stdout, err)
		}
		return 1
	}

	logger := flickrup.NewLogger(stderr, a.Verbose)

	cachePath := a.TokenCache
	if cachePath == "" {
		if cachePath, err = flickrup.DefaultTokenCachePath(); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	cache, err := flickrup.OpenTokenCache(ctx, cachePath, logger)
	if err != nil {
		// a broken cache only costs a re-authorization
		logger.Warn().Err(err).Msg("token cache unavailable")
	} else {
		defer cache.Close()
	}

	client := flickrup.NewClient(creds)
	client.Endpoints = endpoints
	client.Logger = logger
	if cache != nil {
		client.Tokens = cache
	}

	session, err := client.Authenticate(ctx, flickrup.ConsoleVerifier{In: stdin, Out: stdout})
	if err != nil {
		fmt.Fprintf(stdout, "Authentication failed: %v\n", err)
		return 1
	}
	if f, ok := stdout.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		session.Progress = stderr
	}

	uploader := flickrup.Uploader{
		Photos:   session,
		Reporter: flickrup.ConsoleReporter{Out: stdout},
		Logger:   logger,
	}
	results, walkErr := uploader.UploadDirectory(ctx, a.Directory)
	if walkErr != nil {
		fmt.Fprintf(stdout, "Upload stopped: %v\n", walkErr)
	}
	fmt.Fprintf(stdout, "Done: %s.\n", flickrup.Summarize(results))

	if a.ManifestBucket != "" {
		opts := flickrup.NewManifestOptions(a.ManifestBucket)
		opts.Key = a.ManifestKey
		opts.Uploader = manifestUploader
		if err := opts.Write(results); err != nil {
			fmt.Fprintf(stdout, "Failed to write manifest: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote manifest to s3://%s/%s\n", opts.Bucket, opts.Key)
	}
	if walkErr != nil {
		return 1
	}
	return 0
}

// credentials falls back to the environment so that missing credentials
// are reported first even when argument parsing stopped early.
func credentials(a args) flickrup.Credentials {
	creds := flickrup.Credentials{APIKey: a.APIKey, APISecret: a.APISecret}
	if creds.APIKey == "" {
		creds.APIKey = os.Getenv("FLICKR_API_KEY")
	}
	if creds.APISecret == "" {
		creds.APISecret = os.Getenv("FLICKR_API_SECRET")
	}
	return creds
}
