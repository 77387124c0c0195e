package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ExportFormat selects the export encoding
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)

// ParseExportFormat accepts json, ndjson and csv; empty means json
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatNDJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidRequest, s)
	}
}

// ContentType returns the MIME type of the format
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

var csvHeader = []string{
	"id", "tenant_id", "seq", "action", "entity_type", "entity_id", "actor_user_id",
	"diff", "created_at", "diff_hash", "prev_hash", "notary_ref", "verification_status",
}

// Export streams entries fromSeq..toSeq (toSeq <= 0 means to the tail) to w,
// reading the store one page at a time. It returns the number of entries written.
func Export(ctx context.Context, store Store, w io.Writer, tenantID string, fromSeq, toSeq int64, format ExportFormat, pageSize int) (int64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	if fromSeq <= 0 {
		fromSeq = 1
	}

	var emit func(e *Entry) error
	var finish func() error

	switch format {
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		emit = func(e *Entry) error { return enc.Encode(e) }
		finish = func() error { return nil }
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, err
		}
		emit = func(e *Entry) error {
			diff, err := CanonicalJSON(e.Diff)
			if err != nil {
				return err
			}
			return cw.Write([]string{
				e.ID, e.TenantID, strconv.FormatInt(e.Seq, 10), e.Action, e.EntityType, e.EntityID,
				e.ActorUserID, string(diff), FormatTime(e.CreatedAt), e.DiffHash, e.PrevHash,
				e.NotaryRef, string(e.VerificationStatus),
			})
		}
		finish = func() error {
			cw.Flush()
			return cw.Error()
		}
	default:
		first := true
		if _, err := io.WriteString(w, "["); err != nil {
			return 0, err
		}
		emit = func(e *Entry) error {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			_, err = w.Write(data)
			return err
		}
		finish = func() error {
			_, err := io.WriteString(w, "]\n")
			return err
		}
	}

	var written int64
	next := fromSeq
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		page, err := store.Range(ctx, tenantID, next, toSeq, pageSize)
		if err != nil {
			return written, err
		}
		for _, e := range page {
			if err := emit(e); err != nil {
				return written, fmt.Errorf("failed to write entry %d: %w", e.Seq, err)
			}
			written++
			next = e.Seq + 1
		}
		if len(page) < pageSize {
			break
		}
	}
	return written, finish()
}
