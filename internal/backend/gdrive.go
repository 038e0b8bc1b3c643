package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/errs"
)

const folderMimeType = "application/vnd.google-apps.folder"

// GDrive stores artifacts in a per-host Google Drive folder. Locations are
// file names within that folder; Drive has no hierarchical keys.
type GDrive struct {
	service  *drive.Service
	folder   string // e.g. ServerBackups/web-01
	folderID string
}

func NewGDrive(ctx context.Context, cfg config.GDriveConfig, host string) (*GDrive, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gdrive client_id, client_secret, and refresh_token are required")
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	token := &oauth2.Token{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force refresh on first use
	}
	service, err := drive.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
	if err != nil {
		return nil, err
	}
	folder := path.Join(cfg.FolderName, host)
	return &GDrive{service: service, folder: folder}, nil
}

func (g *GDrive) Name() string { return "gdrive" }

func (g *GDrive) Probe(ctx context.Context) error {
	if _, err := g.service.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return g.classify(err)
	}
	_, err := g.ensureFolder(ctx)
	return err
}

// ensureFolder walks the configured folder path, creating components that do
// not exist yet, and caches the leaf folder id.
func (g *GDrive) ensureFolder(ctx context.Context) (string, error) {
	if g.folderID != "" {
		return g.folderID, nil
	}
	parent := "root"
	for _, name := range strings.Split(g.folder, "/") {
		if name == "" {
			continue
		}
		query := fmt.Sprintf("name='%s' and mimeType='%s' and '%s' in parents and trashed=false",
			escapeQuery(name), folderMimeType, parent)
		list, err := g.service.Files.List().Q(query).Fields("files(id)").Context(ctx).Do()
		if err != nil {
			return "", g.classify(err)
		}
		if len(list.Files) > 0 {
			parent = list.Files[0].Id
			continue
		}
		created, err := g.service.Files.Create(&drive.File{
			Name:     name,
			MimeType: folderMimeType,
			Parents:  []string{parent},
		}).Fields("id").Context(ctx).Do()
		if err != nil {
			return "", g.classify(err)
		}
		parent = created.Id
	}
	g.folderID = parent
	return parent, nil
}

func (g *GDrive) Upload(ctx context.Context, localPath, key string, metadata map[string]string) (string, error) {
	folderID, err := g.ensureFolder(ctx)
	if err != nil {
		return "", err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	name := path.Base(key)
	meta := &drive.File{
		Name:          name,
		Parents:       []string{folderID},
		AppProperties: metadata,
	}
	_, err = g.service.Files.Create(meta).
		Media(file, googleapi.ChunkSize(16*1024*1024)).
		Fields("id, size").
		Context(ctx).Do()
	if err != nil {
		return "", g.classify(err)
	}
	return name, nil
}

func (g *GDrive) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	file, err := g.findByName(ctx, location)
	if err != nil {
		return nil, err
	}
	resp, err := g.service.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		return nil, g.classify(err)
	}
	return resp.Body, nil
}

func (g *GDrive) Stat(ctx context.Context, location string) (ObjectInfo, error) {
	file, err := g.findByName(ctx, location)
	if err != nil {
		return ObjectInfo{}, err
	}
	return g.objectInfo(file), nil
}

func (g *GDrive) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	folderID, err := g.ensureFolder(ctx)
	if err != nil {
		return nil, err
	}
	namePrefix := path.Base(prefix)
	infos := []ObjectInfo{}
	pageToken := ""
	for {
		call := g.service.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed=false", folderID)).
			OrderBy("createdTime desc").
			Fields("nextPageToken, files(id, name, size, createdTime, sha256Checksum)").
			PageSize(1000).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, g.classify(err)
		}
		for _, file := range page.Files {
			if namePrefix != "" && namePrefix != "." && !strings.HasPrefix(file.Name, namePrefix) {
				continue
			}
			infos = append(infos, g.objectInfo(file))
		}
		if page.NextPageToken == "" {
			return infos, nil
		}
		pageToken = page.NextPageToken
	}
}

func (g *GDrive) Delete(ctx context.Context, location string) error {
	file, err := g.findByName(ctx, location)
	if err != nil {
		return err
	}
	if err := g.service.Files.Delete(file.Id).Context(ctx).Do(); err != nil {
		return g.classify(err)
	}
	return nil
}

// VerifyUpload compares size and the SHA-256 Drive computed on its side
// against the digest recorded in the manifest.
func (g *GDrive) VerifyUpload(ctx context.Context, location, expectedChecksum string, expectedSize int64) error {
	info, err := g.Stat(ctx, location)
	if err != nil {
		return err
	}
	if info.Size != expectedSize {
		return &errs.IntegrityError{
			Key:      location,
			Expected: fmt.Sprintf("size %d", expectedSize),
			Actual:   fmt.Sprintf("size %d", info.Size),
		}
	}
	if info.Checksum != "" && !strings.EqualFold(info.Checksum, expectedChecksum) {
		return &errs.IntegrityError{Key: location, Expected: expectedChecksum, Actual: info.Checksum}
	}
	return nil
}

func (g *GDrive) findByName(ctx context.Context, name string) (*drive.File, error) {
	folderID, err := g.ensureFolder(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", escapeQuery(name), folderID)
	list, err := g.service.Files.List().Q(query).
		Fields("files(id, name, size, createdTime, sha256Checksum)").
		Context(ctx).Do()
	if err != nil {
		return nil, g.classify(err)
	}
	if len(list.Files) == 0 {
		return nil, fmt.Errorf("gdrive: object not found: %s", name)
	}
	return list.Files[0], nil
}

func (g *GDrive) objectInfo(file *drive.File) ObjectInfo {
	created, _ := time.Parse(time.RFC3339, file.CreatedTime)
	return ObjectInfo{
		Key:      file.Name,
		Size:     file.Size,
		Created:  created,
		Checksum: file.Sha256Checksum,
	}
}

func (g *GDrive) classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return authErr(g.Name(), err)
		case http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if strings.Contains(item.Reason, "ateLimit") || item.Reason == "userRateLimitExceeded" {
					return transientErr(g.Name(), err)
				}
			}
			return authErr(g.Name(), err)
		}
	}
	return transientErr(g.Name(), err)
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
