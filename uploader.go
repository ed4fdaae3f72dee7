package flickrup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

type MediaType string

var (
	TypeUnknown = MediaType("")
	TypePNG     = MediaType("image/png")
	TypeJPEG    = MediaType("image/jpeg")
	TypeGIF     = MediaType("image/gif")
	TypeBMP     = MediaType("image/bmp")
)

// imageExtensions are the file extensions, lowercased, that get uploaded.
var imageExtensions = map[string]MediaType{
	".png":  TypePNG,
	".jpg":  TypeJPEG,
	".jpeg": TypeJPEG,
	".gif":  TypeGIF,
	".bmp":  TypeBMP,
}

// MediaTypeOf infers the media type of path from its extension,
// ignoring case. It returns TypeUnknown for anything that is not an
// uploadable image.
func MediaTypeOf(path string) MediaType {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// FileTask is a single file selected for upload.
type FileTask struct {
	Path      string
	MediaType MediaType
}

// Outcome is the result class of one upload attempt.
type Outcome int

const (
	OutcomeUploaded Outcome = iota
	OutcomeUploadedWithWarning
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeUploadedWithWarning:
		return "uploaded_with_warning"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result records what happened to one FileTask.
type Result struct {
	FileTask
	PhotoID string
	Outcome Outcome
	Err     error
}

// legacyParseErrorText is how clients that decode upload replies as JSON
// report Flickr's XML reply. The upload has gone through in that case.
const legacyParseErrorText = "Expecting value: line 1 column 1 (char 0)"

// Classify maps the error from an upload attempt to an Outcome. A reply
// that could not be parsed still means the photo reached Flickr, so it
// is a warning rather than a failure.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeUploaded
	case errors.Is(err, ErrResponseParse),
		strings.Contains(err.Error(), legacyParseErrorText):
		return OutcomeUploadedWithWarning
	default:
		return OutcomeFailed
	}
}

// PhotoUploader uploads one file. *Session implements it.
type PhotoUploader interface {
	UploadPhoto(ctx context.Context, path string, vis Visibility) (string, error)
}

// Reporter is told about each task as it starts and finishes.
type Reporter interface {
	Start(task FileTask)
	Done(res Result)
}

// ConsoleReporter prints one line per upload event to Out.
type ConsoleReporter struct {
	Out io.Writer
}

func (r ConsoleReporter) Start(task FileTask) {
	fmt.Fprintf(r.Out, "Uploading %s...\n", task.Path)
}

func (r ConsoleReporter) Done(res Result) {
	switch res.Outcome {
	case OutcomeUploaded:
		fmt.Fprintf(r.Out, "Uploaded %s successfully!\n", res.Path)
	case OutcomeUploadedWithWarning:
		fmt.Fprintf(r.Out, "Uploaded %s but encountered a response parsing error. Error: '%v'\n", res.Path, res.Err)
	default:
		fmt.Fprintf(r.Out, "Failed to upload %s. Error: %v\n", res.Path, res.Err)
	}
}

// CheckDirectory returns ErrDirectoryNotFound if dir does not exist and
// ErrNotDirectory if it is not a directory.
func CheckDirectory(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	return nil
}

// Uploader walks a directory tree and uploads every image in it as a
// private photo.
type Uploader struct {
	Photos   PhotoUploader
	Reporter Reporter       // optional
	Logger   zerolog.Logger // diagnostic logger
}

// UploadDirectory uploads every regular file under root whose extension
// is an image extension. A failed upload is recorded in its Result and
// the walk continues. The returned error is only set if root cannot be
// walked or ctx is cancelled.
func (u *Uploader) UploadDirectory(ctx context.Context, root string) ([]Result, error) {
	if err := CheckDirectory(root); err != nil {
		return nil, err
	}
	results := []Result{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			u.Logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		mediaType := MediaTypeOf(path)
		if mediaType == TypeUnknown {
			u.Logger.Debug().Str("path", path).Msg("not an image, skipping")
			return nil
		}
		results = append(results, u.upload(ctx, FileTask{Path: path, MediaType: mediaType}))
		return nil
	})
	return results, err
}

func (u *Uploader) upload(ctx context.Context, task FileTask) Result {
	if u.Reporter != nil {
		u.Reporter.Start(task)
	}
	id, err := u.Photos.UploadPhoto(ctx, task.Path, Private)
	res := Result{FileTask: task, PhotoID: id, Outcome: Classify(err), Err: err}
	if res.Outcome == OutcomeFailed {
		u.Logger.Debug().Err(err).Str("path", task.Path).Msg("upload failed")
	}
	if u.Reporter != nil {
		u.Reporter.Done(res)
	}
	return res
}

// Summary counts results by outcome.
type Summary struct {
	Uploaded int
	Warnings int
	Failed   int
}

func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case OutcomeUploaded:
			s.Uploaded++
		case OutcomeUploadedWithWarning:
			s.Warnings++
		default:
			s.Failed++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d uploaded, %d with warnings, %d failed", s.Uploaded, s.Warnings, s.Failed)
}
