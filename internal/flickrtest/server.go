// Package flickrtest runs an in-process fake of the Flickr OAuth, REST
// and upload endpoints for tests.
package flickrtest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Paths served by Server, relative to Server.URL.
const (
	RequestTokenPath = "/oauth/request_token"
	AuthorizePath    = "/oauth/authorize"
	AccessTokenPath  = "/oauth/access_token"
	RESTPath         = "/rest"
	UploadPath       = "/upload/"
)

// Tokens handed out by the fake OAuth flow.
const (
	RequestToken  = "request-token"
	RequestSecret = "request-secret"
	AccessToken   = "access-token"
	AccessSecret  = "access-secret"
)

// Upload is one request received on the upload endpoint.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Query       url.Values
}

// Reply is a canned upload response.
type Reply struct {
	Status int
	Body   string
}

// Server is a fake Flickr. The zero configuration accepts the verifier
// "123-456-789", grants write permission and only takes uploads signed
// with the consumer secret "secret" and the AccessToken pair.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	Verifier       string            // verifier code accepted by the access token endpoint
	Perms          string            // perms reported by checkToken for valid tokens
	ValidTokens    map[string]bool   // tokens checkToken accepts; AccessToken is added on exchange
	ConsumerSecret string            // secret uploads must be signed with
	TokenSecrets   map[string]string // token secrets uploads must be signed with, by token
	Replies        map[string]Reply  // upload reply overrides, keyed by file base name
	uploads        []Upload
	requestTokens  int
	nextPhotoID    int
}

// NewServer starts a fake Flickr. It is closed when the test ends.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		Verifier:    "123-456-789",
		Perms:       "write",
		ValidTokens:    map[string]bool{},
		ConsumerSecret: "secret",
		TokenSecrets:   map[string]string{AccessToken: AccessSecret},
		Replies:        map[string]Reply{},
		nextPhotoID:    1000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(RequestTokenPath, s.handleRequestToken)
	mux.HandleFunc(AccessTokenPath, s.handleAccessToken)
	mux.HandleFunc(RESTPath, s.handleREST)
	mux.HandleFunc(UploadPath, s.handleUpload)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Uploads returns the uploads received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// UploadedNames returns the base names of the uploaded files, in order.
func (s *Server) UploadedNames() []string {
	names := []string{}
	for _, u := range s.Uploads() {
		names = append(names, u.Filename)
	}
	return names
}

// RequestTokens returns how many times the OAuth flow was started.
func (s *Server) RequestTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestTokens
}

func (s *Server) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	params := oauthParams(r)
	if params["oauth_callback"] != "oob" {
		http.Error(w, "oauth_problem=parameter_rejected", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requestTokens++
	s.mu.Unlock()
	fmt.Fprintf(w, "oauth_callback_confirmed=true&oauth_token=%s&oauth_token_secret=%s", RequestToken, RequestSecret)
}

func (s *Server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	params := oauthParams(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if params["oauth_token"] != RequestToken || params["oauth_verifier"] != s.Verifier {
		http.Error(w, "oauth_problem=token_rejected", http.StatusUnauthorized)
		return
	}
	s.ValidTokens[AccessToken] = true
	fmt.Fprintf(w, "fullname=Jane%%20Doe&oauth_token=%s&oauth_token_secret=%s&user_nsid=12345%%40N01&username=jane",
		AccessToken, AccessSecret)
}

func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Query().Get("method") != "flickr.auth.oauth.checkToken" {
		fmt.Fprint(w, `{"stat":"fail","code":112,"message":"Method not found"}`)
		return
	}
	token := oauthParams(r)["oauth_token"]
	s.mu.Lock()
	valid, perms := s.ValidTokens[token], s.Perms
	s.mu.Unlock()
	if !valid {
		fmt.Fprint(w, `{"stat":"fail","code":98,"message":"Invalid token"}`)
		return
	}
	fmt.Fprintf(w, `{"oauth":{"token":{"_content":%q},"perms":{"_content":%q},`+
		`"user":{"nsid":"12345@N01","username":"jane","fullname":"Jane Doe"}},"stat":"ok"}`, token, perms)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.validSignature(r) {
		http.Error(w, "oauth_problem=signature_invalid", http.StatusUnauthorized)
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8" ?><rsp stat="fail"><err code="2" msg="No photo specified" /></rsp>`)
		return
	}
	defer file.Close()
	size, _ := io.Copy(io.Discard, file)
	name := filepath.Base(header.Filename)

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{
		Filename:    name,
		ContentType: header.Header.Get("Content-Type"),
		Size:        size,
		Query:       r.URL.Query(),
	})
	reply, ok := s.Replies[name]
	s.nextPhotoID++
	id := s.nextPhotoID
	s.mu.Unlock()

	if ok {
		if reply.Status != 0 {
			w.WriteHeader(reply.Status)
		}
		fmt.Fprint(w, reply.Body)
		return
	}
	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"utf-8\" ?>\n<rsp stat=\"ok\">\n<photoid>%d</photoid>\n</rsp>\n", id)
}

// validSignature checks the HMAC-SHA1 oauth_signature of r against the
// oauth_* parameters and the query string. Multipart bodies are not signed.
func (s *Server) validSignature(r *http.Request) bool {
	params := oauthParams(r)
	got, err := base64.StdEncoding.DecodeString(params["oauth_signature"])
	if err != nil || params["oauth_signature_method"] != "HMAC-SHA1" {
		return false
	}
	s.mu.Lock()
	tokenSecret, ok := s.TokenSecrets[params["oauth_token"]]
	consumerSecret := s.ConsumerSecret
	s.mu.Unlock()
	if !ok {
		return false
	}

	var pairs []string
	for k, vs := range r.URL.Query() {
		if strings.HasPrefix(k, "oauth_") {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
		}
	}
	for k, v := range params {
		if k == "oauth_signature" || k == "realm" {
			continue
		}
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
	}
	sort.Strings(pairs)

	base := strings.Join([]string{
		r.Method,
		percentEncode("http://" + strings.ToLower(r.Host) + r.URL.EscapedPath()),
		percentEncode(strings.Join(pairs, "&")),
	}, "&")
	mac := hmac.New(sha1.New, []byte(percentEncode(consumerSecret)+"&"+percentEncode(tokenSecret)))
	mac.Write([]byte(base))
	return hmac.Equal(mac.Sum(nil), got)
}

// percentEncode escapes everything but the RFC 3986 unreserved characters.
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// oauthParams returns the oauth_* parameters of a signed request, taken
// from the Authorization header and the query string.
func oauthParams(r *http.Request) map[string]string {
	params := map[string]string{}
	for k, vs := range r.URL.Query() {
		if strings.HasPrefix(k, "oauth_") && len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	header, ok := strings.CutPrefix(r.Header.Get("Authorization"), "OAuth ")
	if !ok {
		return params
	}
	for _, pair := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		v, err := url.PathUnescape(strings.Trim(v, `"`))
		if err != nil {
			continue
		}
		params[k] = v
	}
	return params
}
