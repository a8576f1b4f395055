package ledger

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML fixture of registered identities and standing grants.
type Seed struct {
	Identities []SeedIdentity `yaml:"identities"`
	Grants     []SeedGrant    `yaml:"grants"`
}

type SeedIdentity struct {
	Identity `yaml:",inline"`
	Secret   string          `yaml:"secret"`
	Profile  *PatientProfile `yaml:"profile"`
}

type SeedGrant struct {
	Patient   string `yaml:"patient"`
	Clinician string `yaml:"clinician"`
}

// Seeder is what a fixture needs from a backend.
type Seeder interface {
	IdentityRegistry
	PermissionRegistry
	Registrar
}

func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, id := range s.Identities {
		if !id.Role.Valid() {
			return nil, fmt.Errorf("seed identity %d: unknown role %q", i, id.Role)
		}
		if id.ShortID == "" {
			return nil, fmt.Errorf("seed identity %d: short_id is required", i)
		}
		if id.Profile != nil {
			if id.Role != RolePatient {
				return nil, fmt.Errorf("seed identity %d: only patients carry a profile", i)
			}
			if err := id.Profile.Validate(); err != nil {
				return nil, fmt.Errorf("seed identity %d: %w", i, err)
			}
		}
	}
	return &s, nil
}

// LoadSeed reads the fixture at path and applies it.
func LoadSeed(ctx context.Context, target Seeder, path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	s, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}
	return s, s.Apply(ctx, target)
}

// Apply registers identities that are not yet registered and writes their
// profiles, then writes each grant as the permission record plus the storage
// access record.
func (s *Seed) Apply(ctx context.Context, target Seeder) error {
	for _, id := range s.Identities {
		ok, err := target.IsRegistered(ctx, id.Role, id.ShortID)
		if err != nil {
			return err
		}
		if !ok {
			if err := target.Register(ctx, id.Identity, id.Secret); err != nil {
				return fmt.Errorf("register %s: %w", id.Key(), err)
			}
		}
		if id.Profile != nil {
			if err := target.SetPatientProfile(ctx, id.ShortID, *id.Profile); err != nil {
				return fmt.Errorf("profile %s: %w", id.Key(), err)
			}
		}
	}
	for _, g := range s.Grants {
		patient, err := target.GetIdentity(ctx, RolePatient, g.Patient)
		if err != nil {
			return fmt.Errorf("seed grant: %w", err)
		}
		clinician, err := target.GetIdentity(ctx, RoleClinician, g.Clinician)
		if err != nil {
			return fmt.Errorf("seed grant: %w", err)
		}
		if err := target.GrantPermission(ctx, g.Patient, g.Clinician); err != nil {
			return fmt.Errorf("seed grant %s -> %s: %w", g.Patient, g.Clinician, err)
		}
		if err := target.GrantStorageAccess(ctx, patient.WalletAddress, clinician.WalletAddress); err != nil {
			return fmt.Errorf("seed storage access %s -> %s: %w", g.Patient, g.Clinician, err)
		}
	}
	return nil
}
