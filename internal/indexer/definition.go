// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/flowarr/internal/models"
)

//go:embed definitions/*.yaml
var builtinDefinitions embed.FS

// DefaultDefinition is used for spider sites without their own definition file.
const DefaultDefinition = "nexusphp"

// Definition describes how the spider driver reads a site's listing pages.
type Definition struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
	// Language "en" marks English-only sites; CJK keywords are not sent to them.
	Language string `yaml:"language"`
	// TimeZone applies to dates without an offset. Defaults to UTC.
	TimeZone    string   `yaml:"timezone"`
	DateLayouts []string `yaml:"date_layouts"`
	// LoginPath is matched against the final URL to detect an expired session.
	LoginPath string `yaml:"login_path"`

	Search SearchDef   `yaml:"search"`
	Browse BrowseDef   `yaml:"browse"`
	Rows   RowsDef     `yaml:"torrents_list"`
	Fields FieldsDef   `yaml:"fields"`
	Promos []PromoDef  `yaml:"promotions"`
	HR     *SelectorOf `yaml:"hit_and_run"`
	// DownloadTemplate builds the enclosure from the details id when the row has no download link.
	DownloadTemplate string `yaml:"download_template"`

	rows     *Selector
	location *time.Location
}

type SearchDef struct {
	Path         string            `yaml:"path"`
	KeywordParam string            `yaml:"keyword_param"`
	PageParam    string            `yaml:"page_param"`
	PageStart    int               `yaml:"page_start"`
	Params       map[string]string `yaml:"params"`
	// Categories maps movie|tv to extra query parameters.
	Categories map[string]map[string]string `yaml:"categories"`
}

type BrowseDef struct {
	Path      string            `yaml:"path"`
	PageParam string            `yaml:"page_param"`
	PageStart int               `yaml:"page_start"`
	Params    map[string]string `yaml:"params"`
}

type RowsDef struct {
	Selector string `yaml:"selector"`
	// Skip drops leading rows, usually a header.
	Skip int `yaml:"skip"`
}

type FieldsDef struct {
	Title        *Field `yaml:"title"`
	Description  *Field `yaml:"description"`
	Details      *Field `yaml:"details_url"`
	Download     *Field `yaml:"download_url"`
	Size         *Field `yaml:"size"`
	Seeders      *Field `yaml:"seeders"`
	Peers        *Field `yaml:"peers"`
	Date         *Field `yaml:"date"`
	FreeDeadline *Field `yaml:"free_deadline"`
	IMDb         *Field `yaml:"imdb"`
}

// SelectorOf is a bare presence selector.
type SelectorOf struct {
	Selector string `yaml:"selector"`

	compiled *Selector
}

// PromoDef sets volume factors when its selector matches within a row.
type PromoDef struct {
	SelectorOf `yaml:",inline"`
	Down       float64 `yaml:"down"`
	Up         float64 `yaml:"up"`
}

// Definitions resolves the definition for a site.
type Definitions struct {
	mu       sync.RWMutex
	byDomain map[string]*Definition
	byID     map[string]*Definition
}

// LoadDefinitions reads the built-in definitions and then every *.yaml file
// in dir. Files in dir override built-ins with the same id or domain.
func LoadDefinitions(dir string) (*Definitions, error) {
	d := &Definitions{byDomain: map[string]*Definition{}, byID: map[string]*Definition{}}

	err := fs.WalkDir(builtinDefinitions, "definitions", func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		data, err := builtinDefinitions.ReadFile(path)
		if err != nil {
			return err
		}
		return d.add(path, data)
	})
	if err != nil {
		return nil, fmt.Errorf("load builtin definitions: %w", err)
	}

	if dir == "" {
		return d, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("read site definitions: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := d.add(path, data); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Skipping invalid site definition")
		}
	}
	return d, nil
}

// ParseDefinition decodes and compiles a single definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if err := def.compile(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definitions) add(path string, data []byte) error {
	def, err := ParseDefinition(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[def.ID] = def
	if def.Domain != "" {
		domainName, err := models.NormalizeDomain(def.Domain)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		d.byDomain[domainName] = def
	}
	return nil
}

// For returns the site's definition, falling back to the default layout.
func (d *Definitions) For(site *models.Site) *Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if def, ok := d.byDomain[site.Domain]; ok {
		return def
	}
	return d.byID[DefaultDefinition]
}

// Get returns a definition by id.
func (d *Definitions) Get(id string) (*Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.byID[id]
	return def, ok
}

func (def *Definition) compile() error {
	if def.Rows.Selector == "" {
		return fmt.Errorf("torrents_list.selector is required")
	}
	if def.Fields.Title == nil {
		return fmt.Errorf("fields.title is required")
	}
	rows, err := CompileSelector(def.Rows.Selector)
	if err != nil {
		return err
	}
	def.rows = rows

	for name, f := range def.fieldMap() {
		if f == nil {
			continue
		}
		if err := f.compile(); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	for i := range def.Promos {
		if err := def.Promos[i].SelectorOf.compile(); err != nil {
			return fmt.Errorf("promotion %d: %w", i, err)
		}
	}
	if def.HR != nil {
		if err := def.HR.compile(); err != nil {
			return fmt.Errorf("hit_and_run: %w", err)
		}
	}

	def.location = time.UTC
	if def.TimeZone != "" {
		loc, err := time.LoadLocation(def.TimeZone)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		def.location = loc
	}
	if len(def.DateLayouts) == 0 {
		def.DateLayouts = defaultDateLayouts
	}
	return nil
}

func (def *Definition) fieldMap() map[string]*Field {
	return map[string]*Field{
		"title":         def.Fields.Title,
		"description":   def.Fields.Description,
		"details_url":   def.Fields.Details,
		"download_url":  def.Fields.Download,
		"size":          def.Fields.Size,
		"seeders":       def.Fields.Seeders,
		"peers":         def.Fields.Peers,
		"date":          def.Fields.Date,
		"free_deadline": def.Fields.FreeDeadline,
		"imdb":          def.Fields.IMDb,
	}
}

// EnglishOnly reports whether the site only indexes English titles.
func (def *Definition) EnglishOnly() bool {
	return def != nil && strings.EqualFold(def.Language, "en")
}

func (s *SelectorOf) compile() error {
	sel, err := CompileSelector(s.Selector)
	if err != nil {
		return err
	}
	s.compiled = sel
	return nil
}
