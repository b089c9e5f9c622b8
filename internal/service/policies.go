package service

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/policy"
)

//go:embed policies.schema.json
var policiesSchema []byte

// PolicyDocument — тело POST /policies/create и файла lmsctl.
type PolicyDocument struct {
	Policies []domain.Policy `json:"policies" yaml:"policies"`
}

type PolicyService struct {
	store  domain.PolicyStore
	schema *jsonschema.Schema
	logger *zap.Logger
	now    func() time.Time
}

func NewPolicyService(store domain.PolicyStore, logger *zap.Logger) (*PolicyService, error) {
	schema, err := jsonschema.NewCompiler().Compile(policiesSchema)
	if err != nil {
		return nil, fmt.Errorf("compile policies schema: %w", err)
	}
	return &PolicyService{
		store:  store,
		schema: schema,
		logger: logger.Named("policy-service"),
		now:    time.Now,
	}, nil
}

// ValidateDocument проверяет сырой JSON по схеме и разбирает его.
func (s *PolicyService) ValidateDocument(data []byte) (PolicyDocument, error) {
	var doc PolicyDocument
	result := s.schema.ValidateJSON(data)
	if !result.IsValid() {
		return doc, fmt.Errorf("%w: schema validation failed: %v", domain.ErrInvalidArgument, result.Errors)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return doc, nil
}

// Create записывает политики. created проставляется сервером, expired обнуляется:
// повторная отправка политики с тем же именем заменяет её.
func (s *PolicyService) Create(ctx context.Context, policies []domain.Policy) ([]domain.Policy, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: no policies given", domain.ErrInvalidArgument)
	}
	now := s.now()
	out := make([]domain.Policy, 0, len(policies))
	for _, p := range policies {
		p.Created = now.UnixMilli()
		p.Expired = 0
		if err := p.Normalize(now); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		out = append(out, p)
	}

	if _, err := s.store.UpsertPolicies(ctx, out, domain.Strict); err != nil {
		return nil, fmt.Errorf("store policies: %w", err)
	}
	s.logger.Info("policies stored", zap.Int("count", len(out)))
	return out, nil
}

// List — политики, применимые к домену (по eTLD+1).
func (s *PolicyService) List(ctx context.Context, domainName string) ([]domain.Policy, error) {
	if domainName == "" {
		return nil, fmt.Errorf("%w: domain is required", domain.ErrInvalidArgument)
	}
	return s.store.PoliciesByOrigin(ctx, domain.RegistrableDomain(domain.Hostname(domainName)))
}

// InstallDefaults ставит домену стандартный набор политик.
func (s *PolicyService) InstallDefaults(ctx context.Context, domainName string) ([]domain.Policy, error) {
	if domainName == "" {
		return nil, fmt.Errorf("%w: domain is required", domain.ErrInvalidArgument)
	}
	host := domain.Hostname(domainName)
	return s.Create(ctx, policy.DefaultPolicies(host, s.now()))
}
