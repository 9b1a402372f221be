// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// package i18n localizes the error messages returned by the HTTP API. It
// uses go-i18n with YAML message files embedded into the binary.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Translator resolves message IDs in one language, falling back to English.
type Translator struct {
	lang      string
	localizer *i18n.Localizer
}

// New loads every embedded locale and returns a translator for lang.
func New(lang string) (*Translator, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", f.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, f.Name()); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", f.Name(), err)
		}
	}
	if lang == "" {
		lang = "en"
	}
	return &Translator{lang: lang, localizer: i18n.NewLocalizer(bundle, lang, "en")}, nil
}

// Lang returns the configured language.
func (t *Translator) Lang() string { return t.lang }

// T translates messageID with optional template data. Unknown IDs are
// returned unchanged. A nil translator also returns the ID.
func (t *Translator) T(messageID string, data map[string]any) string {
	if t == nil {
		return messageID
	}
	msg, err := t.localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID, TemplateData: data})
	if err != nil {
		return messageID
	}
	return msg
}
