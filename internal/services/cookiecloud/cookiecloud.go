// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cookiecloud pulls browser cookies from a CookieCloud server and
// stores them on the matching sites.
package cookiecloud

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const JobID = "cookiecloud"

var (
	ErrNotConfigured = errors.New("cookiecloud is not configured")
	ErrDecrypt       = errors.New("cookiecloud: cannot decrypt payload")
)

type Config struct {
	URL      string
	Key      string
	Password string
}

func (c Config) configured() bool {
	return c.URL != "" && c.Key != "" && c.Password != ""
}

// Cookie is one browser cookie as CookieCloud exports it.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

type payload struct {
	CookieData map[string][]Cookie `json:"cookie_data"`
}

type SiteStore interface {
	ListActive(ctx context.Context) ([]*models.Site, error)
	UpdateCookie(ctx context.Context, domain, cookie string) (bool, error)
}

type Service struct {
	sites      SiteStore
	httpClient *http.Client

	mu  sync.RWMutex
	cfg Config

	log zerolog.Logger
}

func NewService(cfg Config, sites SiteStore) *Service {
	return &Service{
		sites:      sites,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		log:        log.With().Str("component", "cookiecloud").Logger(),
	}
}

func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run is the cookiecloud job. Each active site gets the cookies whose domain
// covers the site's domain; sites without any are left alone.
func (s *Service) Run(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobID)
	cfg := s.config()
	if !cfg.configured() {
		return summary, ErrNotConfigured
	}

	cookies, err := s.fetch(ctx, cfg)
	if err != nil {
		return summary, err
	}
	sites, err := s.sites.ListActive(ctx)
	if err != nil {
		return summary, err
	}
	for _, site := range sites {
		header := CookieHeader(cookies, site.Domain)
		if header == "" {
			continue
		}
		changed, err := s.sites.UpdateCookie(ctx, site.Domain, header)
		if err != nil {
			s.log.Warn().Err(err).Str("site", site.Name).Msg("Failed to store cookie")
			summary.Fail()
			continue
		}
		if changed {
			s.log.Info().Str("site", site.Name).Msg("Site cookie updated")
			summary.Add(1)
		}
	}
	return summary, nil
}

func (s *Service) fetch(ctx context.Context, cfg Config) ([]Cookie, error) {
	endpoint := strings.TrimRight(cfg.URL, "/") + "/get/" + cfg.Key
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("cookiecloud: status %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(domain.NewError(domain.KindAuthFailed, "cookiecloud", fmt.Errorf("status %d", resp.StatusCode)))
			}
			body, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Encrypted string `json:"encrypted"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.NewError(domain.KindParseFailed, "cookiecloud", err)
	}
	plain, err := Decrypt(envelope.Encrypted, Passphrase(cfg.Key, cfg.Password))
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, domain.NewError(domain.KindParseFailed, "cookiecloud", err)
	}

	var out []Cookie
	for _, list := range p.CookieData {
		out = append(out, list...)
	}
	return out, nil
}

// Passphrase is the first 16 hex characters of md5("<uuid>-<password>").
func Passphrase(key, password string) string {
	sum := md5.Sum([]byte(key + "-" + password))
	return hex.EncodeToString(sum[:])[:16]
}

// CookieHeader joins the cookies valid for host into a Cookie header value.
// Later duplicates of a name override earlier ones; names are sorted.
func CookieHeader(cookies []Cookie, host string) string {
	host = strings.ToLower(host)
	values := make(map[string]string)
	for _, c := range cookies {
		d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if d == "" || c.Name == "" {
			continue
		}
		if host != d && !strings.HasSuffix(host, "."+d) && !strings.HasSuffix(d, "."+host) {
			continue
		}
		values[c.Name] = c.Value
	}
	if len(values) == 0 {
		return ""
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + values[name]
	}
	return strings.Join(parts, "; ")
}

var saltedPrefix = []byte("Salted__")

// Decrypt opens a CryptoJS AES passphrase ciphertext: base64 of
// "Salted__" + 8 byte salt + AES-256-CBC data, key and iv derived with
// OpenSSL's EVP_BytesToKey over MD5.
func Decrypt(encoded, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 16 || !bytes.Equal(raw[:8], saltedPrefix) {
		return nil, fmt.Errorf("%w: missing salt header", ErrDecrypt)
	}
	salt, data := raw[8:16], raw[16:]
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", ErrDecrypt, len(data))
	}

	key, iv := bytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return unpad(plain)
}

// Encrypt is the inverse of Decrypt with the given salt.
func Encrypt(plain []byte, passphrase string, salt []byte) (string, error) {
	if len(salt) != 8 {
		return "", errors.New("salt must be 8 bytes")
	}
	key, iv := bytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(slices.Clone(plain), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	buf := append(append(slices.Clone(saltedPrefix), salt...), out...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func bytesToKey(pass, salt []byte, keyLen, ivLen int) ([]byte, []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
