package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/luuplife/server/internal/files"
	"github.com/luuplife/server/internal/session"
)

// imageExtensions maps the accepted upload content types to the extension
// of the stored file. Files are stored as uploaded.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// ContentTypeFor returns the content type served for a stored file name.
func ContentTypeFor(name string) string {
	dot := strings.LastIndexByte(name, '.')
	if dot >= 0 {
		ext := name[dot:]
		for ct, e := range imageExtensions {
			if e == ext {
				return ct
			}
		}
	}
	return "application/octet-stream"
}

// Upload is one file of a photo share request.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64 // declared size, or -1 when unknown
	Open        func() (io.ReadCloser, error)
}

// CreatePhotoShare creates a photo share session holding uploads. Either every
// file is stored or the session is deleted again together with the files
// saved so far.
func (s *Service) CreatePhotoShare(ctx context.Context, uploads []Upload) (*session.Record, error) {
	if s.files == nil {
		return nil, errors.New("live: photo sharing is not configured")
	}
	if len(uploads) == 0 {
		return nil, invalid("at least one photo is required")
	}
	if len(uploads) > s.limits.MaxFiles {
		return nil, invalid("maximum %d photos allowed", s.limits.MaxFiles)
	}
	exts := make([]string, len(uploads))
	for i, u := range uploads {
		ext, err := s.checkUpload(u)
		if err != nil {
			return nil, err
		}
		exts[i] = ext
	}

	rec, err := s.store.Create(ctx, session.KindPhotoShare, &session.PhotoShare{Files: []session.FileRef{}})
	if err != nil {
		return nil, err
	}

	id := rec.ID
	refs, err := s.saveUploads(ctx, id, uploads, exts)
	if err == nil {
		rec, err = notFound(s.store.Update(ctx, id, session.PhotoSharePatch{Files: refs}))
	}
	if err != nil {
		if derr := s.store.Delete(ctx, id); derr != nil {
			s.log.Error("rollback of failed photo share incomplete", "session", id, "error", derr)
		}
		return nil, err
	}

	s.log.Info("photo share created", "session", id, "files", len(refs))
	return rec, nil
}

func (s *Service) checkUpload(u Upload) (string, error) {
	ct, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil {
		ct = u.ContentType
	}
	ext, ok := imageExtensions[strings.ToLower(ct)]
	if !ok {
		return "", invalid("unsupported file type: %s", u.ContentType)
	}
	if u.Size > s.limits.MaxUploadBytes {
		return "", invalid("file too large: %s", u.Filename)
	}
	if u.Open == nil {
		return "", invalid("file %s has no content", u.Filename)
	}
	return ext, nil
}

func (s *Service) saveUploads(ctx context.Context, id string, uploads []Upload, exts []string) ([]session.FileRef, error) {
	refs := make([]session.FileRef, 0, len(uploads))
	var total int64
	for i, u := range uploads {
		rc, err := u.Open()
		if err != nil {
			return nil, fmt.Errorf("live: open upload %s: %w", u.Filename, err)
		}
		name, n, err := s.files.Save(ctx, id, exts[i], rc, s.limits.MaxUploadBytes)
		_ = rc.Close()
		if errors.Is(err, files.ErrTooLarge) {
			return nil, invalid("file too large: %s", u.Filename)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, invalid("file %s is empty", u.Filename)
		}
		total += n
		if total > s.limits.MaxSessionBytes {
			return nil, invalid("total session size exceeded")
		}
		refs = append(refs, session.FileRef{Name: name, Size: n})
	}
	return refs, nil
}
