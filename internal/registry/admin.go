package registry

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/metrics"
	"github.com/tradegen/vte-engine/internal/model"
)

// Parameter names carried by parameter-changed events.
const (
	ParamOperator                      = "operator"
	ParamRegistrar                     = "registrar"
	ParamMaxVTEPerUser                 = "max_vte_per_user"
	ParamMaximumNumberOfPositions      = "maximum_number_of_positions"
	ParamMaximumLeverageFactor         = "maximum_leverage_factor"
	ParamMaxUsageFee                   = "max_usage_fee"
	ParamMinimumTimeBetweenNameUpdates = "minimum_time_between_name_updates"
)

// Settings returns a snapshot of the global parameters and roles.
func (r *Registry) Settings() model.Settings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

// authorize checks that caller currently holds role.
func (r *Registry) authorize(caller common.Address, role model.Role) error {
	return checkRole(r.Settings(), caller, role)
}

func checkRole(s model.Settings, caller common.Address, role model.Role) error {
	if caller != s.Holder(role) {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the registry %s", caller.Hex(), role)
	}
	return nil
}

// updateSettings applies mutate to a copy of the settings under the settings
// lock, persists it and commits. mutate returns the new value for the event.
func (r *Registry) updateSettings(ctx context.Context, caller common.Address, role model.Role, param string, mutate func(*model.Settings) (string, error)) error {
	op := "set_" + param

	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()

	if err := checkRole(r.settings, caller, role); err != nil {
		return r.reject(op, err)
	}

	next := r.settings
	value, err := mutate(&next)
	if err != nil {
		return r.reject(op, err)
	}

	if err := r.store.SaveSettings(ctx, next); err != nil {
		return r.reject(op, apperrors.Internal("persist settings", err))
	}
	r.settings = next

	metrics.ParameterChanges.WithLabelValues(param).Inc()
	logger.Info("registry parameter changed", "parameter", param, "value", value, "caller", caller.Hex())
	r.events.Emit(event.ParameterChanged(param, value))
	return nil
}

// SetOperator hands the operator role to operator. Owner only.
func (r *Registry) SetOperator(ctx context.Context, caller, operator common.Address) error {
	return r.updateSettings(ctx, caller, model.RoleOwner, ParamOperator, func(s *model.Settings) (string, error) {
		s.Operator = operator
		return operator.Hex(), nil
	})
}

// SetRegistrar hands the registrar role to registrar. Owner only.
func (r *Registry) SetRegistrar(ctx context.Context, caller, registrar common.Address) error {
	return r.updateSettings(ctx, caller, model.RoleOwner, ParamRegistrar, func(s *model.Settings) (string, error) {
		s.Registrar = registrar
		return registrar.Hex(), nil
	})
}

// IncreaseMaxVTEsPerUser raises the per-user creation quota. Operator only.
func (r *Registry) IncreaseMaxVTEsPerUser(ctx context.Context, caller common.Address, n uint64) error {
	return r.updateSettings(ctx, caller, model.RoleOperator, ParamMaxVTEPerUser, func(s *model.Settings) (string, error) {
		if n <= s.MaxVTEPerUser {
			return "", notIncreasing(ParamMaxVTEPerUser, strconv.FormatUint(n, 10), strconv.FormatUint(s.MaxVTEPerUser, 10))
		}
		s.MaxVTEPerUser = n
		return strconv.FormatUint(n, 10), nil
	})
}

// IncreaseMaximumNumberOfPositions raises the per-ledger slot cap. Operator only.
func (r *Registry) IncreaseMaximumNumberOfPositions(ctx context.Context, caller common.Address, n uint64) error {
	return r.updateSettings(ctx, caller, model.RoleOperator, ParamMaximumNumberOfPositions, func(s *model.Settings) (string, error) {
		if n <= s.MaximumNumberOfPositions {
			return "", notIncreasing(ParamMaximumNumberOfPositions, strconv.FormatUint(n, 10), strconv.FormatUint(s.MaximumNumberOfPositions, 10))
		}
		s.MaximumNumberOfPositions = n
		return strconv.FormatUint(n, 10), nil
	})
}

// IncreaseMaximumLeverageFactor raises the cumulative leverage cap. Operator only.
func (r *Registry) IncreaseMaximumLeverageFactor(ctx context.Context, caller common.Address, n decimal.Decimal) error {
	return r.updateSettings(ctx, caller, model.RoleOperator, ParamMaximumLeverageFactor, func(s *model.Settings) (string, error) {
		if !model.ValidAmount(n) {
			return "", apperrors.Newf(apperrors.KindInvalidArgument, "leverage factor %s is not a valid amount", n)
		}
		if !n.GreaterThan(s.MaximumLeverageFactor) {
			return "", notIncreasing(ParamMaximumLeverageFactor, n.String(), s.MaximumLeverageFactor.String())
		}
		s.MaximumLeverageFactor = n
		return n.String(), nil
	})
}

// UpdateMaxUsageFee sets the usage-fee ceiling in either direction. Operator only.
func (r *Registry) UpdateMaxUsageFee(ctx context.Context, caller common.Address, fee decimal.Decimal) error {
	return r.updateSettings(ctx, caller, model.RoleOperator, ParamMaxUsageFee, func(s *model.Settings) (string, error) {
		if !model.ValidAmount(fee) {
			return "", apperrors.Newf(apperrors.KindInvalidArgument, "usage fee %s is not a valid amount", fee)
		}
		s.MaxUsageFee = fee
		return fee.String(), nil
	})
}

// UpdateMinimumTimeBetweenNameUpdates sets the rename cooldown in seconds.
// Operator only.
func (r *Registry) UpdateMinimumTimeBetweenNameUpdates(ctx context.Context, caller common.Address, seconds uint64) error {
	return r.updateSettings(ctx, caller, model.RoleOperator, ParamMinimumTimeBetweenNameUpdates, func(s *model.Settings) (string, error) {
		s.MinimumTimeBetweenNameUpdates = seconds
		return strconv.FormatUint(seconds, 10), nil
	})
}

func notIncreasing(param, requested, current string) error {
	return apperrors.Newf(apperrors.KindLimitNotIncreasing, "%s: %s is not above current %s", param, requested, current)
}
