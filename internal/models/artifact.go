package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wonny/copperwatch/internal/contracts"
)

var (
	validate    = validator.New()
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
)

// Artifact 학습이 끝난 모델 파라미터 (YAML 한 파일 = 모델 하나)
type Artifact struct {
	Name    string `yaml:"name" json:"name" validate:"required,max=64"`
	Kind    Kind   `yaml:"kind" json:"kind" validate:"required,oneof=point_regressor autoregressive additive_seasonal"`
	Version string `yaml:"version" json:"version,omitempty" validate:"max=64"`
	Enabled *bool  `yaml:"enabled" json:"enabled" default:"true"`

	PointRegressor   *RegressorParams `yaml:"point_regressor" json:"point_regressor,omitempty"`
	Autoregressive   *ARParams        `yaml:"autoregressive" json:"autoregressive,omitempty"`
	AdditiveSeasonal *SeasonalParams  `yaml:"additive_seasonal" json:"additive_seasonal,omitempty"`
}

// RegressorParams 선형 회귀 파라미터
type RegressorParams struct {
	Intercept     float64                 `yaml:"intercept" json:"intercept"`
	Coefficients  map[string]float64      `yaml:"coefficients" json:"coefficients" validate:"required,min=1"`
	Scaler        map[string]ScalerParams `yaml:"scaler" json:"scaler,omitempty" validate:"omitempty,dive"`
	ResidualSigma float64                 `yaml:"residual_sigma" json:"residual_sigma" validate:"gte=0"`
}

// ScalerParams 표준화 파라미터 (z = (x - mean) / scale)
type ScalerParams struct {
	Mean  float64 `yaml:"mean" json:"mean"`
	Scale float64 `yaml:"scale" json:"scale" validate:"gt=0"`
}

// ARParams 자기회귀 파라미터
type ARParams struct {
	Difference    *int      `yaml:"difference" json:"difference" default:"1" validate:"required,min=0,max=1"`
	Constant      float64   `yaml:"constant" json:"constant"`
	Coefficients  []float64 `yaml:"coefficients" json:"coefficients" validate:"required,min=1,max=30"`
	ResidualSigma float64   `yaml:"residual_sigma" json:"residual_sigma" validate:"gte=0"`
}

// SeasonalParams 가법 계절성 파라미터
type SeasonalParams struct {
	Origin        string        `yaml:"origin" json:"origin" validate:"required,datetime=2006-01-02"`
	Intercept     float64       `yaml:"intercept" json:"intercept"`
	Slope         float64       `yaml:"slope" json:"slope"`
	Weekday       []float64     `yaml:"weekday" json:"weekday,omitempty" validate:"omitempty,len=7"`
	Yearly        []FourierTerm `yaml:"yearly" json:"yearly,omitempty" validate:"max=10"`
	AnchorWindow  int           `yaml:"anchor_window" json:"anchor_window" default:"20" validate:"min=1"`
	IntervalWidth float64       `yaml:"interval_width" json:"interval_width" validate:"gte=0"`
}

// FourierTerm one yearly harmonic
type FourierTerm struct {
	Cos float64 `yaml:"cos" json:"cos"`
	Sin float64 `yaml:"sin" json:"sin"`
}

// LoadArtifact reads, defaults and validates one artifact file.
// Unknown fields fail the load so a typo never silently changes a model.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes an artifact from YAML bytes
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := defaults.Set(&a); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	if err := validate.Struct(&a); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if err := a.check(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	return &a, nil
}

// check covers rules the struct tags cannot express
func (a *Artifact) check() error {
	if !namePattern.MatchString(a.Name) {
		return fmt.Errorf("name %q must match %s", a.Name, namePattern)
	}
	if a.Name == contracts.EnsembleModel {
		return fmt.Errorf("name %q is reserved", contracts.EnsembleModel)
	}

	// exactly the section matching kind
	sections := map[Kind]bool{
		KindPointRegressor:   a.PointRegressor != nil,
		KindAutoregressive:   a.Autoregressive != nil,
		KindAdditiveSeasonal: a.AdditiveSeasonal != nil,
	}
	for kind, present := range sections {
		if kind == a.Kind && !present {
			return fmt.Errorf("%s section is required for kind %s", kind, a.Kind)
		}
		if kind != a.Kind && present {
			return fmt.Errorf("%s section not allowed for kind %s", kind, a.Kind)
		}
	}

	if a.Kind == KindPointRegressor {
		known := make(map[string]bool, len(contracts.FeatureNames))
		for _, f := range contracts.FeatureNames {
			known[f] = true
		}
		for f := range a.PointRegressor.Coefficients {
			if !known[f] {
				return fmt.Errorf("point_regressor: unknown feature %q", f)
			}
		}
		for f := range a.PointRegressor.Scaler {
			if _, ok := a.PointRegressor.Coefficients[f]; !ok {
				return fmt.Errorf("point_regressor: scaler for unused feature %q", f)
			}
		}
	}

	return nil
}

// Fingerprint hashes the canonical JSON of the artifact.
// Formatting or comment changes in the file do not change it.
func (a *Artifact) Fingerprint() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ModelVersion returns the declared version or a fingerprint prefix
func (a *Artifact) ModelVersion() (string, error) {
	if a.Version != "" {
		return a.Version, nil
	}
	fp, err := a.Fingerprint()
	if err != nil {
		return "", err
	}
	return "sha-" + fp[:12], nil
}

// Build constructs the adapter for the artifact
func (a *Artifact) Build() (Adapter, error) {
	version, err := a.ModelVersion()
	if err != nil {
		return nil, err
	}

	switch a.Kind {
	case KindPointRegressor:
		return NewPointRegressor(a.Name, version, *a.PointRegressor), nil
	case KindAutoregressive:
		return NewAutoregressive(a.Name, version, *a.Autoregressive), nil
	case KindAdditiveSeasonal:
		return NewAdditiveSeasonal(a.Name, version, *a.AdditiveSeasonal)
	default:
		return nil, fmt.Errorf("unknown kind %q", a.Kind)
	}
}
