package flickrup

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// Session is an authenticated connection to Flickr. It is created by
// Client.Authenticate and is valid until Flickr expires the token.
type Session struct {
	Token    Token     // the write-scoped access token backing this session
	Progress io.Writer // when set, a byte progress bar is drawn here for each upload

	client    *http.Client
	endpoints Endpoints
	logger    zerolog.Logger
}

// Visibility controls who can see an uploaded photo.
type Visibility struct {
	Public bool
	Friend bool
	Family bool
}

// Private is visible to the owner only.
var Private = Visibility{}

type uploadResponse struct {
	XMLName xml.Name     `xml:"rsp"`
	Stat    string       `xml:"stat,attr"`
	PhotoID string       `xml:"photoid"`
	Err     *FlickrError `xml:"err"`
}

// UploadPhoto uploads the file at path and returns the new photo ID.
//
// The visibility flags and title are sent as signed query parameters;
// the photo itself is streamed as the only multipart part.
func (s *Session) UploadPhoto(ctx context.Context, path string, vis Visibility) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	u, err := url.Parse(s.endpoints.UploadURL)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("title", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	query.Set("is_public", flag(vis.Public))
	query.Set("is_friend", flag(vis.Friend))
	query.Set("is_family", flag(vis.Family))
	u.RawQuery = query.Encode()

	// Build the multipart envelope around the file so the request has a
	// known Content-Length without buffering the photo.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="photo"; filename="%s"`, quoteEscaper.Replace(filepath.Base(path))))
	header.Set("Content-Type", string(MediaTypeOf(path)))
	if _, err := mw.CreatePart(header); err != nil {
		return "", err
	}
	prefix := bytes.Clone(buf.Bytes())
	buf.Reset()
	if err := mw.Close(); err != nil {
		return "", err
	}
	suffix := bytes.Clone(buf.Bytes())

	var photo io.Reader = f
	if s.Progress != nil {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetDescription(filepath.Base(path)),
			progressbar.OptionSetWriter(s.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		photo = io.TeeReader(f, bar)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(),
		io.MultiReader(bytes.NewReader(prefix), photo, bytes.NewReader(suffix)))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(prefix)) + info.Size() + int64(len(suffix))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	s.logger.Debug().Str("path", path).Int64("bytes", info.Size()).Msg("uploading photo")
	res, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading upload reply: %w", ErrResponseParse, err)
	}
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("flickr: upload returned HTTP %d", res.StatusCode)
	}

	var reply uploadResponse
	if err := xml.Unmarshal(data, &reply); err != nil {
		return "", fmt.Errorf("%w: %w", ErrResponseParse, err)
	}
	switch {
	case reply.Stat == "fail":
		if reply.Err == nil {
			return "", &FlickrError{Message: "upload failed without an error code"}
		}
		return "", reply.Err
	case reply.Stat != "ok" || reply.PhotoID == "":
		return "", fmt.Errorf("%w: unexpected upload reply %q", ErrResponseParse, truncate(string(data), 200))
	}
	s.logger.Debug().Str("path", path).Str("photo_id", reply.PhotoID).Msg("photo uploaded")
	return reply.PhotoID, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
