package marketdata

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	validate        = validator.New()
	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// SchemaMapping 가격 테이블의 논리 필드 → 물리 컬럼 매핑
// ⭐ SSOT: 가격 테이블 이름/컬럼명은 이 구조체에서만 결정
// 로드 후 불변; SQL 문자열은 리포지토리 생성 시 한 번만 만듦
type SchemaMapping struct {
	// Table may be schema-qualified ("market.lme_copper_futures")
	Table   string        `yaml:"table" default:"lme_copper_futures" validate:"required,max=127"`
	Columns ColumnMapping `yaml:"columns"`
}

// ColumnMapping 논리 필드별 컬럼명
// open_interest: "" 이면 미사용 (생략 시 기본 컬럼)
type ColumnMapping struct {
	InstrumentID string  `yaml:"instrument_id" default:"ric" validate:"required,max=63"`
	TradeDate    string  `yaml:"trade_date" default:"trade_date" validate:"required,max=63"`
	Open         string  `yaml:"open" default:"open_price" validate:"required,max=63"`
	High         string  `yaml:"high" default:"high_price" validate:"required,max=63"`
	Low          string  `yaml:"low" default:"low_price" validate:"required,max=63"`
	Close        string  `yaml:"close" default:"close_price" validate:"required,max=63"`
	Volume       string  `yaml:"volume" default:"volume" validate:"required,max=63"`
	OpenInterest *string `yaml:"open_interest" default:"open_interest" validate:"omitempty,max=63"`
}

// DefaultSchemaMapping returns the mapping for the lme_copper_futures table
func DefaultSchemaMapping() SchemaMapping {
	var m SchemaMapping
	_ = defaults.Set(&m)
	return m
}

// LoadSchemaMapping reads the mapping file; an empty path yields the defaults
func LoadSchemaMapping(path string) (SchemaMapping, error) {
	if path == "" {
		return DefaultSchemaMapping(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SchemaMapping{}, err
	}
	return ParseSchemaMapping(data)
}

// ParseSchemaMapping decodes YAML; omitted fields keep their defaults
func ParseSchemaMapping(data []byte) (SchemaMapping, error) {
	var m SchemaMapping
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return SchemaMapping{}, fmt.Errorf("decode schema mapping: %w", err)
	}
	if err := defaults.Set(&m); err != nil {
		return SchemaMapping{}, err
	}
	if err := m.Validate(); err != nil {
		return SchemaMapping{}, err
	}
	return m, nil
}

// Validate checks that every name is a plain SQL identifier
func (m SchemaMapping) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("schema mapping: %w", err)
	}

	parts := strings.Split(m.Table, ".")
	if len(parts) > 2 {
		return fmt.Errorf("schema mapping: table %q has too many parts", m.Table)
	}
	for _, p := range parts {
		if !identifierRegex.MatchString(p) {
			return fmt.Errorf("schema mapping: invalid table identifier %q", m.Table)
		}
	}

	for field, col := range m.Columns.byField() {
		if field == "open_interest" && col == "" {
			continue
		}
		if !identifierRegex.MatchString(col) {
			return fmt.Errorf("schema mapping: invalid column %q for %s", col, field)
		}
	}
	return nil
}

// TableParts splits a schema-qualified table name
func (m SchemaMapping) TableParts() []string {
	return strings.Split(m.Table, ".")
}

func (c ColumnMapping) byField() map[string]string {
	return map[string]string{
		"instrument_id": c.InstrumentID,
		"trade_date":    c.TradeDate,
		"open":          c.Open,
		"high":          c.High,
		"low":           c.Low,
		"close":         c.Close,
		"volume":        c.Volume,
		"open_interest": c.OpenInterestColumn(),
	}
}

// OpenInterestColumn returns "" when open interest is not mapped
func (c ColumnMapping) OpenInterestColumn() string {
	if c.OpenInterest == nil {
		return ""
	}
	return *c.OpenInterest
}
