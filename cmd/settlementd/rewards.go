package main

import (
	"context"
	"net/http"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/storage"
	"github.com/R3E-Network/settlement_layer/services/rewards"
)

// disabledRewards answers reward routes when no pool key is configured.
type disabledRewards struct{}

func (disabledRewards) RecordSession(context.Context, rewards.SessionInput) (*storage.Session, error) {
	return nil, errRewardsDisabled()
}

func (disabledRewards) Settle(context.Context, rewards.SettleRequest) (*rewards.SettleResponse, error) {
	return nil, errRewardsDisabled()
}

func (disabledRewards) SignIntent(context.Context, rewards.IntentRequest) (*rewards.IntentResponse, error) {
	return nil, errRewardsDisabled()
}

func (disabledRewards) Claimable(context.Context, string) (*rewards.ClaimableSummary, error) {
	return nil, errRewardsDisabled()
}

func errRewardsDisabled() error {
	se := apperrors.New(apperrors.KindInternal, "reward settlement is not configured")
	se.HTTPStatus = http.StatusServiceUnavailable
	return se
}
