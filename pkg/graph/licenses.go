package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/graph-batch-client/pkg/handler"
)

// ErrSkuNotFound is returned when no subscribed product has the requested
// part number.
var ErrSkuNotFound = errors.New("subscribed sku not found")

// LicenseSkuID resolves a product part number such as "ENTERPRISEPACK" to
// its SKU id. Part numbers compare case-insensitively.
func (s *Scenarios) LicenseSkuID(ctx context.Context, skuPartNumber string) (string, error) {
	q := handler.NewQuery(s.sub, "subscribed-skus", handler.CollectionConstructor[SubscribedSku]())
	req, err := s.builder.Resource("/subscribedSkus").Get(ctx)
	if err != nil {
		q.Close()
		return "", err
	}
	if err := q.Submit(req); err != nil {
		q.Close()
		return "", err
	}
	q.Close()

	skus, err := q.Collect(ctx)
	if err != nil {
		return "", fmt.Errorf("list subscribed skus: %w", err)
	}
	for _, sku := range skus {
		if strings.EqualFold(sku.SkuPartNumber, skuPartNumber) {
			return sku.SkuID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSkuNotFound, skuPartNumber)
}

// AssignLicenses adds the product named skuPartNumber to every user. Each
// user gets one result; a failed assignment does not stop the others.
func (s *Scenarios) AssignLicenses(ctx context.Context, userIDs []string, skuPartNumber string) (*handler.Query[handler.OperationResult[User]], error) {
	skuID, err := s.LicenseSkuID(ctx, skuPartNumber)
	if err != nil {
		return nil, err
	}
	return s.modifyLicenses(ctx, "assign-licenses", userIDs, LicenseChange{
		AddLicenses:    []AssignedLicense{{SkuID: skuID, DisabledPlans: []string{}}},
		RemoveLicenses: []string{},
	})
}

// RemoveLicenses removes the product named skuPartNumber from every user.
// Users without the license report an error result.
func (s *Scenarios) RemoveLicenses(ctx context.Context, userIDs []string, skuPartNumber string) (*handler.Query[handler.OperationResult[User]], error) {
	skuID, err := s.LicenseSkuID(ctx, skuPartNumber)
	if err != nil {
		return nil, err
	}
	return s.modifyLicenses(ctx, "remove-licenses", userIDs, LicenseChange{
		AddLicenses:    []AssignedLicense{},
		RemoveLicenses: []string{skuID},
	})
}

func (s *Scenarios) modifyLicenses(ctx context.Context, name string, userIDs []string, change LicenseChange) (*handler.Query[handler.OperationResult[User]], error) {
	progress := handler.NewProgress(s.logger)
	q := handler.NewQuery(s.sub, name, handler.SingleOperationConstructor[User](progress))
	defer q.Close()

	for _, id := range userIDs {
		req, err := s.builder.Resource("/users/"+url.PathEscape(id)+"/assignLicense").
			PreferNoContent().
			Build(ctx, http.MethodPost, change)
		if err != nil {
			return nil, err
		}
		if err := q.Submit(req); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("operation", name).
		Int("users", len(userIDs)).
		Msg("License changes submitted")
	return q, nil
}
