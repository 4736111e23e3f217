// Package config defines all configuration for the ticket bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BILI_* environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bili-ticket-bot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Debug    bool           `mapstructure:"debug"`
	Network  NetworkConfig  `mapstructure:"network"`
	Target   TargetConfig   `mapstructure:"target"`
	Identity IdentityConfig `mapstructure:"identity"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// NetworkConfig tunes the HTTP session.
//
//   - Timeout: per-call deadline; a timed-out call reports a transport code.
//   - Sleep:   baseline spacing between requests when nothing is on sale.
//   - Rest:    pause after a 412 IP ban before resuming.
//   - Proxy:   optional proxy URL.
type NetworkConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Sleep   time.Duration `mapstructure:"sleep"`
	Rest    time.Duration `mapstructure:"rest"`
	Proxy   string        `mapstructure:"proxy"`
}

// TargetConfig identifies the project/screen/sku to acquire.
type TargetConfig struct {
	ProjectID int64 `mapstructure:"project_id"`
	ScreenID  int64 `mapstructure:"screen_id"`
	SkuID     int64 `mapstructure:"sku_id"`
	OrderType int   `mapstructure:"order_type"`
	Count     int   `mapstructure:"count"`
}

// IdentityConfig holds the authenticated session and buyer details.
// Cookie may be given as a map or as a raw "k=v; k2=v2" header string
// (cookie_string); both are merged, the map winning on conflicts.
type IdentityConfig struct {
	Cookie       map[string]string      `mapstructure:"cookie"`
	CookieString string                 `mapstructure:"cookie_string"`
	Header       map[string]string      `mapstructure:"header"`
	Buyers       []types.Attendee       `mapstructure:"buyer"`
	Deliver      *types.DeliveryAddress `mapstructure:"deliver"`
	Phone        string                 `mapstructure:"phone"`
	UID          int64                  `mapstructure:"uid"`
	Username     string                 `mapstructure:"username"`
}

// CaptchaConfig selects and parameterizes the challenge resolver.
//
//   - Mode:      "auto" (remote solver service) or "manual" (local browser page).
//   - SolverURL: endpoint of the automatic solver service.
//   - GT:        the vendor's public geetest site key.
//   - Listen:    local address the manual page phones home to.
type CaptchaConfig struct {
	Mode      string `mapstructure:"mode"`
	SolverURL string `mapstructure:"solver_url"`
	GT        string `mapstructure:"gt"`
	Listen    string `mapstructure:"listen"`
}

// ScheduleConfig exposes the retry pacing knobs. The ladder windows and the
// refresh interval come from the same field measurements but are not derived
// from each other, so both stay configurable.
type ScheduleConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Ladder          []LadderRung  `mapstructure:"ladder"`
}

// LadderRung is one (window, sleep) pair of the available ladder.
type LadderRung struct {
	Window time.Duration `mapstructure:"window"`
	Sleep  time.Duration `mapstructure:"sleep"`
}

// NotifyConfig enables success-notification channels. A channel fires when
// its token is non-empty (or its boolean is set).
type NotifyConfig struct {
	System     bool       `mapstructure:"system"`
	Sound      bool       `mapstructure:"sound"`
	PushPlus   string     `mapstructure:"pushplus"`
	Bark       string     `mapstructure:"bark"`
	DingTalk   string     `mapstructure:"dingding"`
	WeCom      string     `mapstructure:"wx"`
	ServerChan string     `mapstructure:"ftqq"`
	SMTP       SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig is the nested mail relay configuration.
type SMTPConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	User      string   `mapstructure:"user"`
	Pass      string   `mapstructure:"pass"`
	Sender    string   `mapstructure:"sender"`
	Receivers []string `mapstructure:"receivers"`
}

// ProfileConfig sets where saved target profiles live.
type ProfileConfig struct {
	DataDir string `mapstructure:"data_dir"`
	Key     string `mapstructure:"key"` // secret-wrapping key; empty = plaintext profiles
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var phoneRe = regexp.MustCompile(`^\d{11}$`)

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BILI_COOKIE_STRING, BILI_PHONE, BILI_PROFILE_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BILI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("network.timeout", 5*time.Second)
	v.SetDefault("network.sleep", 800*time.Millisecond)
	v.SetDefault("network.rest", 30*time.Second)
	v.SetDefault("target.order_type", 1)
	v.SetDefault("captcha.mode", "auto")
	v.SetDefault("captcha.gt", "ac597a4506fee079629df5d8b66dd4fe")
	v.SetDefault("captcha.listen", "127.0.0.1:0")
	v.SetDefault("schedule.refresh_interval", 2100*time.Millisecond)
	v.SetDefault("profile.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if s := os.Getenv("BILI_COOKIE_STRING"); s != "" {
		cfg.Identity.CookieString = s
	}
	if p := os.Getenv("BILI_PHONE"); p != "" {
		cfg.Identity.Phone = p
	}
	if k := os.Getenv("BILI_PROFILE_KEY"); k != "" {
		cfg.Profile.Key = k
	}

	// Merge the header-string form into the cookie map.
	if cfg.Identity.CookieString != "" {
		merged := ParseCookieString(cfg.Identity.CookieString)
		for k, val := range cfg.Identity.Cookie {
			merged[k] = val
		}
		cfg.Identity.Cookie = merged
	}

	if cfg.Target.Count == 0 {
		cfg.Target.Count = len(cfg.Identity.Buyers)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. An empty attendee
// list is fatal here — it must never reach the engine.
func (c *Config) Validate() error {
	if c.Target.ProjectID <= 0 {
		return fmt.Errorf("target.project_id is required")
	}
	if c.Target.ScreenID <= 0 {
		return fmt.Errorf("target.screen_id is required")
	}
	if c.Target.SkuID <= 0 {
		return fmt.Errorf("target.sku_id is required")
	}
	if len(c.Identity.Buyers) == 0 {
		return fmt.Errorf("identity.buyer must list at least one attendee")
	}
	if c.Target.Count <= 0 || c.Target.Count > len(c.Identity.Buyers) {
		return fmt.Errorf("target.count must be between 1 and the number of attendees")
	}
	if c.Identity.Cookie[csrfCookie] == "" {
		return fmt.Errorf("identity.cookie must carry %s (log in first)", csrfCookie)
	}
	if c.Identity.Phone != "" && !phoneRe.MatchString(c.Identity.Phone) {
		return fmt.Errorf("identity.phone must be 11 digits or empty")
	}
	switch c.Captcha.Mode {
	case "auto", "manual":
	default:
		return fmt.Errorf("captcha.mode must be \"auto\" or \"manual\"")
	}
	if c.Captcha.Mode == "auto" && c.Captcha.SolverURL == "" {
		return fmt.Errorf("captcha.solver_url is required in auto mode")
	}
	if c.Network.Sleep <= 0 {
		return fmt.Errorf("network.sleep must be > 0")
	}
	return nil
}

// csrfCookie mirrors bili.CookieCSRF without importing it (config sits below
// the HTTP layer).
const csrfCookie = "bili_jct"

// ApplyProfile fills target and session fields the config leaves empty from a
// previously saved profile. Configured values always win; the saved cookie is
// used only when no CSRF cookie is already present.
func (c *Config) ApplyProfile(projectID, screenID, skuID int64, cookie string) {
	if c.Target.ProjectID <= 0 {
		c.Target.ProjectID = projectID
	}
	if c.Target.ScreenID <= 0 {
		c.Target.ScreenID = screenID
	}
	if c.Target.SkuID <= 0 {
		c.Target.SkuID = skuID
	}
	if cookie != "" && c.Identity.Cookie[csrfCookie] == "" {
		merged := ParseCookieString(cookie)
		for k, v := range c.Identity.Cookie {
			merged[k] = v
		}
		c.Identity.Cookie = merged
		if c.Identity.CookieString == "" {
			c.Identity.CookieString = cookie
		}
	}
}

// TargetSpec assembles the immutable target handed to the engine.
func (c *Config) TargetSpec() types.TargetSpec {
	return types.TargetSpec{
		ProjectID: c.Target.ProjectID,
		ScreenID:  c.Target.ScreenID,
		SkuID:     c.Target.SkuID,
		OrderType: c.Target.OrderType,
		Count:     c.Target.Count,
		Attendees: c.Identity.Buyers,
		Deliver:   c.Identity.Deliver,
		Phone:     c.Identity.Phone,
		Username:  c.Identity.Username,
		UID:       c.Identity.UID,
	}
}

// ParseCookieString turns a browser-copied "k=v; k2=v2" header into a map.
func ParseCookieString(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}
