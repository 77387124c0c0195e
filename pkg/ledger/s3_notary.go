package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the slice of the S3 client used by S3Notary
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Notary anchors each batch as a manifest object in an S3 bucket. The key is
// the batch's Merkle root, so a retried batch overwrites the same object.
// Pair it with a bucket under object lock for tamper resistance.
type S3Notary struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Notary creates a notary writing to bucket under prefix
func NewS3Notary(client PutObjectAPI, bucket, prefix string) *S3Notary {
	return &S3Notary{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Manifest is the anchored object body
type Manifest struct {
	TenantID   string    `json:"tenant_id"`
	MerkleRoot string    `json:"merkle_root"`
	Hashes     []string  `json:"hashes"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Anchor implements Notary. References have the form s3://bucket/key#hash.
func (n *S3Notary) Anchor(ctx context.Context, tenantID string, hashes []string) (map[string]string, error) {
	if len(hashes) == 0 {
		return map[string]string{}, nil
	}

	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	root, err := MerkleRoot(sorted)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Manifest{
		TenantID:   tenantID,
		MerkleRoot: root,
		Hashes:     sorted,
		AnchoredAt: n.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	key := path.Join(n.prefix, tenantID, root+".json")
	_, err = n.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(n.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"tenant-id":   tenantID,
			"merkle-root": root,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put anchor manifest %s: %w", key, err)
	}

	refs := make(map[string]string, len(sorted))
	for _, h := range sorted {
		refs[h] = fmt.Sprintf("s3://%s/%s#%s", n.bucket, key, h)
	}
	return refs, nil
}
