// Package store persists the knowledge base: device profiles, exploit
// templates, and deduplicated findings. BoltDB keeps deployment to a
// single file with no external service.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"bytemomo/charybdis/internal/domain"
)

// Bucket names for different data types.
var (
	bucketProfiles  = []byte("profiles")
	bucketTemplates = []byte("templates")
	bucketFindings  = []byte("findings")
)

// Bolt is a domain.KnowledgeStore backed by a BoltDB file.
type Bolt struct {
	db *bbolt.DB
}

// Open opens or creates the knowledge base at path.
func Open(path string) (*Bolt, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketProfiles, bucketTemplates, bucketFindings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying database file.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Profile returns the device profile for a target, or nil when none is
// stored yet.
func (s *Bolt) Profile(targetID string) (*domain.DeviceProfile, error) {
	var profile *domain.DeviceProfile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(targetID))
		if data == nil {
			return nil
		}
		profile = &domain.DeviceProfile{}
		return json.Unmarshal(data, profile)
	})
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", targetID, err)
	}
	return profile, nil
}

// PutProfile stores or replaces a device profile.
func (s *Bolt) PutProfile(p *domain.DeviceProfile) error {
	if p == nil || p.TargetID == "" {
		return fmt.Errorf("profile missing target id")
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(p.TargetID), data)
	})
}

// Templates returns every exploit template stored for a protocol.
func (s *Bolt) Templates(proto domain.Protocol) ([]domain.ExploitTemplate, error) {
	var out []domain.ExploitTemplate
	prefix := []byte(string(proto) + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tmpl domain.ExploitTemplate
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			out = append(out, tmpl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load templates for %s: %w", proto, err)
	}
	return out, nil
}

// PutTemplate stores an exploit template under its protocol.
func (s *Bolt) PutTemplate(t domain.ExploitTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		return fmt.Errorf("template missing id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := []byte(string(t.Protocol) + "/" + t.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemplates).Put(key, data)
	})
}

// Findings returns every finding recorded against a target.
func (s *Bolt) Findings(targetID string) ([]domain.Finding, error) {
	var out []domain.Finding
	prefix := []byte(targetID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFindings).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f domain.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load findings for %s: %w", targetID, err)
	}
	return out, nil
}

// FindingBySignature returns the finding stored under a crash signature,
// or nil when the signature is new.
func (s *Bolt) FindingBySignature(targetID string, sig domain.CrashSignature) (*domain.Finding, error) {
	var finding *domain.Finding
	key := findingKey(targetID, sig)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFindings).Get(key)
		if data == nil {
			return nil
		}
		finding = &domain.Finding{}
		return json.Unmarshal(data, finding)
	})
	if err != nil {
		return nil, fmt.Errorf("load finding: %w", err)
	}
	return finding, nil
}

// PutFinding stores or replaces a finding keyed by its crash signature.
func (s *Bolt) PutFinding(f *domain.Finding) error {
	if f == nil || f.TargetID == "" {
		return fmt.Errorf("finding missing target id")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFindings).Put(findingKey(f.TargetID, f.Signature), data)
	})
}

func findingKey(targetID string, sig domain.CrashSignature) []byte {
	return []byte(targetID + "/" + sig.Key())
}
