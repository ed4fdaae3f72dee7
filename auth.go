package flickrup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"
)

// Credentials represents a Flickr API key pair that can be used to
// obtain a write-scoped access token.
type Credentials struct {
	APIKey      string // APIKey is your app's key from the Flickr App Garden
	APISecret   string // APISecret is your app's secret from the Flickr App Garden
	AccessToken *Token // Optionally supply a cached access token, which will be checked before use
}

// Validate reports ErrMissingCredentials when either half of the key
// pair is empty. No network call may be made before this passes.
func (c Credentials) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Perms is a Flickr permission level.
type Perms string

const (
	PermsNone   = Perms("")
	PermsRead   = Perms("read")
	PermsWrite  = Perms("write")
	PermsDelete = Perms("delete")
)

func (p Perms) rank() int {
	switch p {
	case PermsRead:
		return 1
	case PermsWrite:
		return 2
	case PermsDelete:
		return 3
	}
	return 0
}

// Allows reports whether p includes want. Flickr perms are nested:
// delete implies write, write implies read.
func (p Perms) Allows(want Perms) bool {
	return p.rank() >= want.rank()
}

// Token is a Flickr OAuth access token with the identity it belongs to.
type Token struct {
	Token    string
	Secret   string
	Perms    Perms
	UserNSID string
	Username string
	Fullname string
}

// TokenStore caches access tokens between runs, keyed by API key.
// Load returns (nil, nil) when nothing is cached.
type TokenStore interface {
	Load(ctx context.Context, apiKey string) (*Token, error)
	Save(ctx context.Context, apiKey string, tok *Token) error
}

// VerifierSource obtains the verifier code for an out-of-band
// authorization. authURL is the page the user must visit.
type VerifierSource interface {
	Verifier(ctx context.Context, authURL string) (string, error)
}

// ConsoleVerifier prints the authorization URL and reads the verifier
// code from In.
type ConsoleVerifier struct {
	In  io.Reader
	Out io.Writer
}

func (v ConsoleVerifier) Verifier(ctx context.Context, authURL string) (string, error) {
	fmt.Fprintln(v.Out, "Token expired or not valid. Authenticating...")
	fmt.Fprintf(v.Out, "Please visit this URL to authenticate: %s\n", authURL)
	fmt.Fprint(v.Out, "Verifier code: ")

	line := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		text, err := bufio.NewReader(v.In).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && text != "") {
			errc <- fmt.Errorf("reading verifier code: %w", err)
			return
		}
		line <- strings.TrimSpace(text)
	}()

	select {
	case <-ctx.Done():
		// Closing In unblocks the reader. Readers that cannot be closed
		// keep it blocked until the process exits.
		if c, ok := v.In.(io.Closer); ok {
			c.Close()
		}
		return "", ctx.Err()
	case err := <-errc:
		return "", err
	case code := <-line:
		return code, nil
	}
}

// Client authenticates a Credentials pair against Flickr.
type Client struct {
	Credentials Credentials
	Endpoints   Endpoints
	Tokens      TokenStore     // optional token cache
	HTTPClient  *http.Client   // optional base client for all requests
	Logger      zerolog.Logger // diagnostic logger, silent by default
}

// NewClient creates a Client for the production Flickr endpoints.
func NewClient(creds Credentials) *Client {
	return &Client{
		Credentials: creds,
		Endpoints:   DefaultEndpoints,
		Logger:      zerolog.Nop(),
	}
}

// Authenticate returns a Session holding a token with at least write
// permission. A cached token is checked first; if it is missing, expired
// or lacks write permission, the out-of-band flow runs and verifier is
// asked for the code the user received from Flickr.
func (c *Client) Authenticate(ctx context.Context, verifier VerifierSource) (*Session, error) {
	if err := c.Credentials.Validate(); err != nil {
		return nil, err
	}
	ctx = c.withHTTPClient(ctx)
	config := c.oauthConfig()

	if tok := c.cachedToken(ctx); tok != nil {
		checked, err := c.checkToken(ctx, config, tok)
		switch {
		case err != nil:
			c.Logger.Debug().Err(err).Msg("cached token rejected")
		case !checked.Perms.Allows(PermsWrite):
			c.Logger.Debug().Str("perms", string(checked.Perms)).Msg("cached token lacks write permission")
		default:
			c.Logger.Debug().Str("user", checked.Username).Msg("using cached token")
			c.Credentials.AccessToken = checked
			return c.newSession(ctx, config, checked), nil
		}
	}

	tok, err := c.authorize(ctx, config, verifier)
	if err != nil {
		return nil, err
	}
	if c.Tokens != nil {
		if err := c.Tokens.Save(ctx, c.Credentials.APIKey, tok); err != nil {
			c.Logger.Warn().Err(err).Msg("could not cache access token")
		}
	}
	c.Credentials.AccessToken = tok
	return c.newSession(ctx, config, tok), nil
}

func (c *Client) cachedToken(ctx context.Context) *Token {
	if c.Credentials.AccessToken != nil {
		return c.Credentials.AccessToken
	}
	if c.Tokens == nil {
		return nil
	}
	tok, err := c.Tokens.Load(ctx, c.Credentials.APIKey)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("could not read token cache")
		return nil
	}
	return tok
}

// authorize runs the out-of-band OAuth flow.
func (c *Client) authorize(ctx context.Context, config *oauth1.Config, verifier VerifierSource) (*Token, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: no verifier source to complete authorization", ErrAuthentication)
	}
	c.Logger.Info().Msg("starting out-of-band authorization")

	requestToken, requestSecret, err := config.RequestToken()
	if err != nil {
		return nil, fmt.Errorf("%w: requesting token: %w", ErrAuthentication, err)
	}
	authURL, err := config.AuthorizationURL(requestToken)
	if err != nil {
		return nil, fmt.Errorf("%w: building authorization url: %w", ErrAuthentication, err)
	}
	q := authURL.Query()
	q.Set("perms", string(PermsWrite))
	authURL.RawQuery = q.Encode()

	code, err := verifier.Verifier(ctx, authURL.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty verifier code", ErrAuthentication)
	}

	accessToken, accessSecret, err := config.AccessToken(requestToken, requestSecret, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging verifier: %w", ErrAuthentication, err)
	}
	tok, err := c.checkToken(ctx, config, &Token{Token: accessToken, Secret: accessSecret})
	if err != nil {
		return nil, fmt.Errorf("%w: checking new token: %w", ErrAuthentication, err)
	}
	if !tok.Perms.Allows(PermsWrite) {
		return nil, fmt.Errorf("%w: granted %q permission, need %q", ErrAuthentication, tok.Perms, PermsWrite)
	}
	c.Logger.Info().Str("user", tok.Username).Str("perms", string(tok.Perms)).Msg("authorization complete")
	return tok, nil
}

type content struct {
	Content string `json:"_content"`
}

type checkTokenResponse struct {
	Stat    string `json:"stat"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	OAuth   struct {
		Token content `json:"token"`
		Perms content `json:"perms"`
		User  struct {
			NSID     string `json:"nsid"`
			Username string `json:"username"`
			Fullname string `json:"fullname"`
		} `json:"user"`
	} `json:"oauth"`
}

// checkToken asks Flickr which permissions tok carries and who it
// belongs to. The returned Token has the same key and secret as tok.
func (c *Client) checkToken(ctx context.Context, config *oauth1.Config, tok *Token) (*Token, error) {
	client := config.Client(ctx, oauth1.NewToken(tok.Token, tok.Secret))
	u, err := restURL(c.Endpoints.RESTURL, "flickr.auth.oauth.checkToken", nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resp, _, err := httpReadResponse[checkTokenResponse](res.Body)
	if err != nil {
		return nil, err
	}
	if resp.Stat != "ok" {
		return nil, &FlickrError{Code: resp.Code, Message: resp.Message}
	}
	return &Token{
		Token:    tok.Token,
		Secret:   tok.Secret,
		Perms:    Perms(resp.OAuth.Perms.Content),
		UserNSID: resp.OAuth.User.NSID,
		Username: resp.OAuth.User.Username,
		Fullname: resp.OAuth.User.Fullname,
	}, nil
}

func (c *Client) oauthConfig() *oauth1.Config {
	return &oauth1.Config{
		ConsumerKey:    c.Credentials.APIKey,
		ConsumerSecret: c.Credentials.APISecret,
		CallbackURL:    "oob",
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: c.Endpoints.RequestTokenURL,
			AuthorizeURL:    c.Endpoints.AuthorizeURL,
			AccessTokenURL:  c.Endpoints.AccessTokenURL,
		},
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	if c.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth1.HTTPClient, c.HTTPClient)
}

func (c *Client) newSession(ctx context.Context, config *oauth1.Config, tok *Token) *Session {
	return &Session{
		Token:     *tok,
		client:    config.Client(ctx, oauth1.NewToken(tok.Token, tok.Secret)),
		endpoints: c.Endpoints,
		logger:    c.Logger,
	}
}

// restURL builds a REST method call URL asking for a plain JSON reply.
func restURL(base, method string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("method", method)
	query.Set("format", "json")
	query.Set("nojsoncallback", "1")
	u.RawQuery = query.Encode()
	return u.String(), nil
}
