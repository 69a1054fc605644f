package estimator

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"creditline/internal/config"
	"creditline/internal/domain"
)

// Methodology is a crediting methodology with the versions the registry accepts.
type Methodology struct {
	Code     string
	Name     string
	Versions *semver.Constraints
	Buffer   decimal.Decimal // fraction withheld for the buffer pool
	raw      string
}

// Registry resolves methodology code and version pairs.
type Registry struct {
	byCode      map[string]Methodology
	defaultCode string
}

func NewRegistry(cfgs []config.MethodologyConfig, defaultCode string) (*Registry, error) {
	r := &Registry{byCode: map[string]Methodology{}, defaultCode: defaultCode}
	for _, c := range cfgs {
		versions := c.Versions
		if strings.TrimSpace(versions) == "" {
			versions = "*"
		}
		cons, err := semver.NewConstraint(versions)
		if err != nil {
			return nil, fmt.Errorf("methodology %s versions %q: %w", c.Code, c.Versions, err)
		}
		r.byCode[c.Code] = Methodology{
			Code:     c.Code,
			Name:     c.Name,
			Versions: cons,
			Buffer:   decimal.NewFromFloat(c.BufferPercent).Div(decimal.NewFromInt(100)),
			raw:      versions,
		}
	}
	if defaultCode != "" {
		if _, ok := r.byCode[defaultCode]; !ok {
			return nil, fmt.Errorf("default methodology %s not configured", defaultCode)
		}
	}
	return r, nil
}

// Resolve returns the methodology for code (the default when empty) and the
// parsed version, which must satisfy the configured constraint.
func (r *Registry) Resolve(code, version string) (Methodology, *semver.Version, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = r.defaultCode
	}
	m, ok := r.byCode[code]
	if !ok {
		return Methodology{}, nil, domain.Invalidf("unknown methodology %q", code)
	}
	if strings.TrimSpace(version) == "" {
		return Methodology{}, nil, domain.Invalidf("methodology %s requires a version", code)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return Methodology{}, nil, domain.Invalidf("methodology version %q: %v", version, err)
	}
	if !m.Versions.Check(v) {
		return Methodology{}, nil, domain.Invalidf("%s version %s is not accepted (%s)", code, v, m.raw)
	}
	return m, v, nil
}

// Label renders the methodology label stored on calculation results.
func (m Methodology) Label(v *semver.Version) string {
	if m.Name == "" {
		return fmt.Sprintf("%s v%s", m.Code, v)
	}
	return fmt.Sprintf("%s v%s (%s)", m.Code, v, m.Name)
}
