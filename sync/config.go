package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/config"
)

type Config struct {
	Helpdesk   HelpdeskSettings
	CRM        CRMSettings
	Retry      RetrySettings
	RateLimit  RateLimitSettings
	Pagination PaginationSettings
	Windows    WindowSettings
	// NRNTags lists ticket tags that exclude a ticket from the sync ("No Response Necessary").
	NRNTags []string
	Lanes   LaneSettings
	// TicketFieldMappings maps CRM ticket attributes (without the schema prefix)
	// to gjson paths on the enriched ticket document.
	TicketFieldMappings map[string]string
	Timers              TimerSettings
	Server              ServerSettings
	Debug               bool
}

type HelpdeskSettings struct {
	BaseURL         string `yaml:"baseURL" validate:"required,url"`
	APIKey          string `yaml:"apiKey" validate:"required"`
	PerPage         int    `yaml:"perPage" validate:"min=1,max=100"`
	FormName        string `yaml:"formName" validate:"required"`
	PartnerFormName string `yaml:"partnerFormName"`
	SortBy          string `yaml:"sortBy"`
	SortOrder       string `yaml:"sortOrder" validate:"omitempty,oneof=asc desc"`
	Fields          struct {
		Country string `yaml:"country" validate:"required"`
		BCN     string `yaml:"bcn"`
		Domain  string `yaml:"domain"`
	} `yaml:"fields"`
}

type CRMSettings struct {
	URL          string         `yaml:"url" validate:"required,url"`
	APIPath      string         `yaml:"apiPath"`
	TokenURL     string         `yaml:"tokenURL" validate:"required,url"`
	ClientID     string         `yaml:"clientID" validate:"required"`
	ClientSecret string         `yaml:"clientSecret" validate:"required"`
	Scope        string         `yaml:"scope"`
	SchemaPrefix string         `yaml:"schemaPrefix" validate:"required"`
	Tickets      EntitySettings `yaml:"tickets"`
	Configs      EntitySettings `yaml:"configs"`
}

type EntitySettings struct {
	EntitySet string `yaml:"entitySet" validate:"required"`
	IDField   string `yaml:"idField" validate:"required"`
}

type RetrySettings struct {
	MaxAttempts   int `yaml:"maxAttempts" validate:"min=1"`
	BackoffBaseMs int `yaml:"backoffBaseMs" validate:"min=0"`
	BackoffCapMs  int `yaml:"backoffCapMs" validate:"min=0"`
}

type RateLimitSettings struct {
	Threshold         int     `yaml:"threshold" validate:"min=0"`
	GapMs             int     `yaml:"gapMs" validate:"min=0"`
	ProbePath         string  `yaml:"probePath"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

type PaginationSettings struct {
	MaxPages               int `yaml:"maxPages" validate:"min=0"`
	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures" validate:"min=0"`
	PageIntervalMs         int `yaml:"pageIntervalMs" validate:"min=0"`
}

type WindowSettings struct {
	UpdatedStartDays     int `yaml:"updatedStartDays"`
	UpdatedEndDays       int `yaml:"updatedEndDays"`
	CreatedStartMonths   int `yaml:"createdStartMonths"`
	CreatedEndDays       int `yaml:"createdEndDays"`
	ConfigUpdatedEndDays int `yaml:"configUpdatedEndDays"`
}

type LaneSettings struct {
	// DefaultLane names the checkpoint lane used when a run is not filtered by country.
	DefaultLane string   `yaml:"defaultLane"`
	Countries   []string `yaml:"countries"`
}

// TimerSettings holds timer trigger intervals in minutes; zero disables the timer.
type TimerSettings struct {
	TicketsMinutes       int `yaml:"ticketsMinutes"`
	LanesMinutes         int `yaml:"lanesMinutes"`
	UsersMinutes         int `yaml:"usersMinutes"`
	OrganizationsMinutes int `yaml:"organizationsMinutes"`
	TicketFieldsMinutes  int `yaml:"ticketFieldsMinutes"`
}

type ServerSettings struct {
	Addr                   string `yaml:"addr" validate:"required"`
	ShutdownTimeoutSeconds int    `yaml:"shutdownTimeoutSeconds"`
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond
}

func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.Retry.BackoffCapMs) * time.Millisecond
}

func (c Config) RateLimitGap() time.Duration {
	return time.Duration(c.RateLimit.GapMs) * time.Millisecond
}

func (c Config) PageInterval() time.Duration {
	return time.Duration(c.Pagination.PageIntervalMs) * time.Millisecond
}

// CRMScope returns the OAuth2 scope for the CRM, "{url}/.default" unless configured.
func (c Config) CRMScope() string {
	if c.CRM.Scope != "" {
		return c.CRM.Scope
	}
	return strings.TrimSuffix(c.CRM.URL, "/") + "/.default"
}

// Attribute returns the CRM attribute name for field, e.g. "ticketid" => "im360_ticketid".
func (c Config) Attribute(field string) string {
	return c.CRM.SchemaPrefix + "_" + field
}

func (c Config) TicketEntitySet() EntitySet {
	return EntitySet{Name: c.CRM.Tickets.EntitySet, IDField: c.CRM.Tickets.IDField}
}

func (c Config) ConfigEntitySet() EntitySet {
	return EntitySet{Name: c.CRM.Configs.EntitySet, IDField: c.CRM.Configs.IDField}
}

var validate = validator.New()

// Validate checks the populated config against its struct tags.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
	}
	return err
}

type ConfigUnmarshaler interface {
	Unmarshal(compev CompositeEnvVar, sources ...ConfigFile) (Config, error)
}

type YAMLConfigUnmarshaler struct{}

func (u YAMLConfigUnmarshaler) Unmarshal(compev CompositeEnvVar, sources ...ConfigFile) (Config, error) {
	var result Config
	var options []config.YAMLOption
	for _, s := range sources {
		if s.Length > 0 {
			options = append(options, config.Source(s.Reader))
		}
	}
	options = append(options, config.Expand(compev.LookupEnv))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config %w", err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config %w", key, cause)
	}
	sections := []struct {
		key    string
		target interface{}
	}{
		{"helpdesk", &result.Helpdesk},
		{"crm", &result.CRM},
		{"retry", &result.Retry},
		{"rateLimit", &result.RateLimit},
		{"pagination", &result.Pagination},
		{"windows", &result.Windows},
		{"lanes", &result.Lanes},
		{"timers", &result.Timers},
		{"server", &result.Server},
	}
	for _, s := range sections {
		err = yaml.Get(s.key).Populate(s.target)
		if err != nil {
			return result, readError(s.key, err)
		}
	}
	key := "nrnTags"
	if yaml.Get(key).HasValue() {
		err = yaml.Get(key).Populate(&result.NRNTags)
		if err != nil {
			return result, readError(key, err)
		}
	}
	key = "ticketFieldMappings"
	if yaml.Get(key).HasValue() {
		err = yaml.Get(key).Populate(&result.TicketFieldMappings)
		if err != nil {
			return result, readError(key, err)
		}
	}
	key = "debug"
	if yaml.Get(key).HasValue() {
		err = yaml.Get(key).Populate(&result.Debug)
		if err != nil {
			return result, readError(key, err)
		}
	}
	return result, nil
}
