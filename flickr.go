// Package flickrup authenticates against the Flickr API and uploads
// directory trees of images as private photos.
package flickrup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Endpoints are the Flickr URLs used by a Client. Tests point these at a
// local server.
type Endpoints struct {
	RequestTokenURL string // OAuth request token endpoint
	AuthorizeURL    string // page the user visits to grant access
	AccessTokenURL  string // OAuth access token endpoint
	RESTURL         string // REST API endpoint for method calls
	UploadURL       string // photo upload endpoint
}

// DefaultEndpoints are the production Flickr endpoints.
var DefaultEndpoints = Endpoints{
	RequestTokenURL: "https://www.flickr.com/services/oauth/request_token",
	AuthorizeURL:    "https://www.flickr.com/services/oauth/authorize",
	AccessTokenURL:  "https://www.flickr.com/services/oauth/access_token",
	RESTURL:         "https://api.flickr.com/services/rest",
	UploadURL:       "https://up.flickr.com/services/upload/",
}

var (
	// ErrMissingCredentials means the API key or secret is empty.
	ErrMissingCredentials = errors.New("flickrup: FLICKR_API_KEY and FLICKR_API_SECRET must be set")
	// ErrDirectoryNotFound means the directory to upload does not exist.
	ErrDirectoryNotFound = errors.New("flickrup: directory does not exist")
	// ErrNotDirectory means the upload root exists but is not a directory.
	ErrNotDirectory = errors.New("flickrup: not a directory")
	// ErrAuthentication wraps every failure of the authorization flow.
	ErrAuthentication = errors.New("flickrup: authentication failed")
	// ErrResponseParse means the request reached Flickr but its reply could
	// not be decoded. For uploads the photo has most likely been stored.
	ErrResponseParse = errors.New("flickrup: could not parse Flickr response")
)

// FlickrError is the error returned in a failed ("stat": "fail") API reply.
type FlickrError struct {
	Code    int    `json:"code" xml:"code,attr"`
	Message string `json:"message" xml:"msg,attr"`
}

func (e *FlickrError) Error() string {
	return fmt.Sprintf("flickr: error %d: %s", e.Code, e.Message)
}

// httpReadResponse reads the response body and parses it,
// returning the type requested, the byte slice body of
// the request, and any errors that occurred.
func httpReadResponse[T any](body io.ReadCloser) (*T, []byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, err
	}

	var resp T
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("%w: %w", ErrResponseParse, err)
	}
	return &resp, data, nil
}
