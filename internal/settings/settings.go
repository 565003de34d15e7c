package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const Key = "theme-config"

var Colors = []string{
	"gray", "gold", "bronze", "brown", "yellow", "amber", "orange", "tomato", "red", "ruby",
	"crimson", "pink", "plum", "purple", "violet", "iris", "indigo", "blue", "cyan", "teal",
	"jade", "green", "grass", "lime", "mint", "sky",
}

const defaultOpacity = 70

type ThemeConfig struct {
	SelectThemeColor      string `json:"selectThemeColor" validate:"required,theme_color"`
	BackgroundImage       string `json:"backgroundImage" validate:"max=2048"`
	BackgroundImageMobile string `json:"backgroundImageMobile" validate:"max=2048"`
	BackgroundAlignment   string `json:"backgroundAlignment" validate:"max=64"`
	CardOpacity           int    `json:"cardOpacity" validate:"min=0,max=100"`
	IllustrationURL       string `json:"illustrationUrl" validate:"max=2048"`
}

func Defaults() ThemeConfig {
	return ThemeConfig{
		SelectThemeColor:    "violet",
		BackgroundAlignment: "cover,center",
		CardOpacity:         defaultOpacity,
		IllustrationURL:     "/animated-man.webp",
	}
}

// Patch carries the fields a client wants to change; nil fields keep their
// stored value.
type Patch struct {
	SelectThemeColor      *string `json:"selectThemeColor"`
	BackgroundImage       *string `json:"backgroundImage"`
	BackgroundImageMobile *string `json:"backgroundImageMobile"`
	BackgroundAlignment   *string `json:"backgroundAlignment"`
	CardOpacity           *int    `json:"cardOpacity"`
	IllustrationURL       *string `json:"illustrationUrl"`
}

func (p Patch) apply(c ThemeConfig) ThemeConfig {
	if p.SelectThemeColor != nil {
		c.SelectThemeColor = strings.TrimSpace(*p.SelectThemeColor)
	}
	if p.BackgroundImage != nil {
		c.BackgroundImage = strings.TrimSpace(*p.BackgroundImage)
	}
	if p.BackgroundImageMobile != nil {
		c.BackgroundImageMobile = strings.TrimSpace(*p.BackgroundImageMobile)
	}
	if p.BackgroundAlignment != nil {
		c.BackgroundAlignment = strings.TrimSpace(*p.BackgroundAlignment)
	}
	if p.CardOpacity != nil {
		c.CardOpacity = *p.CardOpacity
	}
	if p.IllustrationURL != nil {
		c.IllustrationURL = strings.TrimSpace(*p.IllustrationURL)
	}
	return c
}

// Background picks the image for the given viewport and color scheme. Either
// image may hold a "light|dark" pair; the mobile image falls back to the
// desktop one.
func (c ThemeConfig) Background(mobile, dark bool) string {
	img := c.BackgroundImage
	if mobile && c.BackgroundImageMobile != "" {
		img = c.BackgroundImageMobile
	}
	light, darkImg, found := strings.Cut(img, "|")
	if !found {
		return strings.TrimSpace(img)
	}
	if dark {
		return strings.TrimSpace(darkImg)
	}
	return strings.TrimSpace(light)
}

// EffectiveOpacity is the card opacity percentage to render with. Cards stay opaque
// unless a background image is shown.
func (c ThemeConfig) EffectiveOpacity(hasBackground bool) int {
	if !hasBackground {
		return 100
	}
	o := c.CardOpacity
	if o == 0 {
		o = defaultOpacity
	}
	return min(max(o, 0), 100)
}

type KV interface {
	LoadSetting(ctx context.Context, key string) (string, bool, error)
	SaveSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+": "+v)
	}
	return "invalid theme config: " + strings.Join(parts, "; ")
}

type Store struct {
	kv       KV
	log      *slog.Logger
	validate *validator.Validate
}

func NewStore(kv KV, logger *slog.Logger) *Store {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("theme_color", func(fl validator.FieldLevel) bool {
		return isColor(fl.Field().String())
	})
	return &Store{kv: kv, log: logger, validate: v}
}

func isColor(s string) bool {
	for _, c := range Colors {
		if c == s {
			return true
		}
	}
	return false
}

// Load returns the stored config layered over the defaults. A value that no
// longer decodes is logged and ignored.
func (s *Store) Load(ctx context.Context) (ThemeConfig, error) {
	raw, ok, err := s.kv.LoadSetting(ctx, Key)
	if err != nil {
		return Defaults(), fmt.Errorf("load theme config: %w", err)
	}
	cfg := Defaults()
	if !ok || raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		s.log.Warn("stored theme config unreadable, using defaults", "err", err)
		return Defaults(), nil
	}
	if s.check(cfg) != nil {
		s.log.Warn("stored theme config invalid, using defaults")
		return Defaults(), nil
	}
	return cfg, nil
}

func (s *Store) Update(ctx context.Context, p Patch) (ThemeConfig, error) {
	cur, err := s.Load(ctx)
	if err != nil {
		return cur, err
	}
	next := p.apply(cur)
	if err := s.check(next); err != nil {
		return cur, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return cur, err
	}
	if err := s.kv.SaveSetting(ctx, Key, string(b)); err != nil {
		return cur, fmt.Errorf("save theme config: %w", err)
	}
	return next, nil
}

func (s *Store) Reset(ctx context.Context) (ThemeConfig, error) {
	if err := s.kv.DeleteSetting(ctx, Key); err != nil {
		return Defaults(), fmt.Errorf("reset theme config: %w", err)
	}
	return Defaults(), nil
}

func (s *Store) check(c ThemeConfig) error {
	err := s.validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[name] = "is required"
		case "theme_color":
			fields[name] = fmt.Sprintf("unknown color %q", fe.Value())
		case "min":
			fields[name] = "must be at least " + fe.Param()
		case "max":
			fields[name] = "must be at most " + fe.Param()
		default:
			fields[name] = "is invalid"
		}
	}
	return &ValidationError{Fields: fields}
}
