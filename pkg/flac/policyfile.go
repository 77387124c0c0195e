package flac

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// PolicyFile is the YAML policy document:
//
//	identity_fields:
//	  "*": [id]
//	  hr_employees: [id, employee_no]
//	seed_grants:
//	  - {tenant_id: T1, resource_type: crm_accounts, field_name: "*", role: sales_rep, level: read_write}
type PolicyFile struct {
	IdentityFields map[string][]string `yaml:"identity_fields"`
	SeedGrants     []Grant             `yaml:"seed_grants"`
}

// LoadPolicyFile reads and validates the policy file at path
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

// ParsePolicyFile decodes a policy document; unknown keys are rejected
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	for i := range pf.SeedGrants {
		pf.SeedGrants[i].Normalize()
		if err := pf.SeedGrants[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed grant %d: %w", i, err)
		}
	}
	return &pf, nil
}

// Exemptions returns the identity field list, or nil when the file declares none
func (p *PolicyFile) Exemptions() *Exemptions {
	if len(p.IdentityFields) == 0 {
		return nil
	}
	return NewExemptions(p.IdentityFields)
}

// Seed upserts every seed grant into store
func (p *PolicyFile) Seed(ctx context.Context, store GrantStore, actor string) (int, error) {
	for i := range p.SeedGrants {
		g := p.SeedGrants[i]
		g.UpdatedBy = actor
		if err := store.UpsertGrant(ctx, &g); err != nil {
			return i, fmt.Errorf("failed to seed grant %s/%s/%s/%s: %w", g.TenantID, g.ResourceType, g.FieldName, g.Role, err)
		}
	}
	return len(p.SeedGrants), nil
}

// WatchPolicyFile calls onChange with the re-parsed file whenever path is written,
// until ctx is done. The parent directory is watched so atomic renames are seen.
// An unparsable revision is logged and skipped.
func WatchPolicyFile(ctx context.Context, path string, logger *observability.Logger, onChange func(*PolicyFile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pf, err := LoadPolicyFile(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Warn("ignoring invalid policy file revision")
				continue
			}
			logger.WithField("path", path).Info("policy file reloaded")
			onChange(pf)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("policy file watcher error")
		}
	}
}
