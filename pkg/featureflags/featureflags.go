package featureflags

import (
	"context"

	"smallbiznis-loyalty/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReferralProgram = "referral_program"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// IsEnabled reports whether feature is on for identifier. Features are
	// on when no flag backend is configured.
	IsEnabled(ctx context.Context, identifier, feature string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("[Flagsmith] api key not set, all features enabled")
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, identifier, feature string) (bool, error) {
	if s.client == nil {
		return true, nil
	}

	var (
		flags flagsmith.Flags
		err   error
	)
	if identifier == "" {
		flags, err = s.client.GetEnvironmentFlags()
	} else {
		flags, err = s.client.GetIdentityFlags(identifier, nil)
	}
	if err != nil {
		return false, err
	}

	return flags.IsFeatureEnabled(feature)
}

// Static is a fixed flag set, used by tests and tooling.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, _ string, feature string) (bool, error) {
	enabled, ok := s[feature]
	if !ok {
		return true, nil
	}
	return enabled, nil
}
