package epochlog

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	meta "github.com/digitalocean/go-metadata"
	"github.com/digitalocean/godo"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/log"
)

// Archiver mirrors epoch snapshots to an off-node object store, entirely
// off the critical path of cluster reconfiguration (SPEC_FULL "epoch log
// archival mirror" supplement). It is grounded on the teacher's
// pkg/snapshot.Snapshotter: an async, best-effort upload that never blocks
// or fails a Write.
type Archiver struct {
	bucket     string
	prefix     string
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	jobs       chan archiveJob
	tagger     *dropletTagger
	log        *zap.Logger
}

type archiveJob struct {
	epoch uint32
	data  []byte
}

// NewArchiver builds an Archiver backed by S3 (or an S3-compatible
// endpoint such as DigitalOcean Spaces, by setting sess's endpoint).
func NewArchiver(sess *session.Session, bucket, prefix string) *Archiver {
	a := &Archiver{
		bucket:     bucket,
		prefix:     prefix,
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		jobs:       make(chan archiveJob, 64),
		log:        log.Named("epochlog.archive"),
	}
	go a.loop()
	return a
}

func (a *Archiver) loop() {
	for job := range a.jobs {
		key := fmt.Sprintf("%s/epoch-%010d.gob", a.prefix, job.epoch)
		_, err := a.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(job.data),
		})
		if err != nil {
			a.log.Warn("epoch snapshot mirror upload failed",
				zap.Uint32("epoch", job.epoch), zap.Error(err))
			continue
		}
		a.log.Debug("mirrored epoch snapshot",
			zap.Uint32("epoch", job.epoch),
			zap.String("key", key),
			zap.String("size", humanize.Bytes(uint64(len(job.data)))))
		if a.tagger != nil {
			a.tagger.tagSelf(context.Background(), job.epoch)
		}
	}
}

// DigitalOceanConfig configures a mirror backed by DO Spaces (an
// S3-compatible endpoint, grounded on the teacher's
// pkg/snapshot/snapshot_do.go), plus optional droplet tagging via godo
// so the mirrored epoch is discoverable from the droplet's own tags
// (grounded on pkg/provider/digitalocean/client.go's tagPrefix scheme).
type DigitalOceanConfig struct {
	SpacesURL       string
	SpacesAccessKey string
	SpacesSecretKey string

	// APIToken, when set, enables droplet tagging after each mirror
	// upload. Left empty, DO Spaces mirroring still works without it.
	APIToken string
}

// NewDigitalOceanArchiver builds an Archiver backed by DigitalOcean
// Spaces. It reuses the aws-sdk-go S3 client pointed at the Spaces
// endpoint exactly as the teacher's DigitalOceanSnapshotter does.
func NewDigitalOceanArchiver(cfg DigitalOceanConfig, prefix string) (*Archiver, error) {
	endpoint, bucket, err := parseSpacesURL(cfg.SpacesURL)
	if err != nil {
		return nil, errors.Wrap(err, "epochlog: invalid spaces url")
	}
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(cfg.SpacesAccessKey, cfg.SpacesSecretKey, ""),
		Endpoint:    aws.String(endpoint),
		Region:      aws.String("us-east-1"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "epochlog: cannot build spaces session")
	}
	a := NewArchiver(sess, bucket, prefix)
	if cfg.APIToken != "" {
		a.tagger = newDropletTagger(cfg.APIToken)
	}
	return a, nil
}

func parseSpacesURL(s string) (endpoint, bucket string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", err
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// dropletTagger tags the local DigitalOcean droplet with an
// epoch-<n> tag once its snapshot has been mirrored, so the most
// recently archived epoch is discoverable without reading Spaces.
type dropletTagger struct {
	client *godo.Client
}

type staticTokenSource string

func (t staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: string(t)}, nil
}

func newDropletTagger(apiToken string) *dropletTagger {
	oauthClient := oauth2.NewClient(context.Background(), staticTokenSource(apiToken))
	return &dropletTagger{client: godo.NewClient(oauthClient)}
}

func (t *dropletTagger) tagSelf(ctx context.Context, epoch uint32) {
	md, err := meta.NewClient().Metadata()
	if err != nil {
		log.Debug("epoch tag: cannot read droplet metadata", zap.Error(err))
		return
	}
	tag := fmt.Sprintf("epoch-%d", epoch)
	if _, _, err := t.client.Tags.Create(ctx, &godo.TagCreateRequest{Name: tag}); err != nil {
		log.Debug("epoch tag: create failed", zap.String("tag", tag), zap.Error(err))
	}
	req := &godo.TagResourcesRequest{Resources: []godo.Resource{{ID: fmt.Sprintf("%d", md.DropletID), Type: godo.DropletResourceType}}}
	if _, err := t.client.Tags.TagResources(ctx, tag, req); err != nil {
		log.Debug("epoch tag: tag droplet failed", zap.String("tag", tag), zap.Error(err))
	}
}

// mirror enqueues an already-encoded snapshot for async upload. It never
// blocks the caller beyond the channel buffer and drops the job (logging a
// warning) if the queue is saturated, since archival is advisory only.
func (a *Archiver) mirror(epoch uint32, data []byte) {
	select {
	case a.jobs <- archiveJob{epoch: epoch, data: data}:
	default:
		a.log.Warn("epoch snapshot mirror queue full, dropping", zap.Uint32("epoch", epoch))
	}
}

// Close stops accepting new archive jobs.
func (a *Archiver) Close() { close(a.jobs) }

// WithArchive wires an Archiver into a Gateway so every successful Write
// also triggers an async mirror upload.
func WithArchive(g *Gateway, a *Archiver) *Gateway {
	g.archiver = a
	return g
}

// fetch downloads a snapshot from the mirror for ReadArchive. ctx bounds
// the download.
func (a *Archiver) fetch(ctx context.Context, epoch uint32) ([]byte, error) {
	key := fmt.Sprintf("%s/epoch-%010d.gob", a.prefix, epoch)
	buf := aws.NewWriteAtBuffer(nil)
	_, err := a.downloader.DownloadWithContext(ctx, buf, &s3manager.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "epoch %d not found in mirror", epoch)
	}
	return buf.Bytes(), nil
}

// ReadArchive downloads and decodes the mirrored snapshot for epoch. It is
// a separate, explicit read: ReadRemote does not fall back to it.
func (g *Gateway) ReadArchive(ctx context.Context, epoch uint32) ([]cluster.NodeEntry, error) {
	if g.archiver == nil {
		return nil, errors.New("epochlog: no archiver configured")
	}
	data, err := g.archiver.fetch(ctx, epoch)
	if err != nil {
		return nil, err
	}
	return decodeEntries(data)
}
