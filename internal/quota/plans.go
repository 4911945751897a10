package quota

import "github.com/nimasrn/message-dispatch/internal/model"

// planQuotas are the tier defaults applied by ChangePlan. Already-consumed
// usage is never rescaled when a tenant moves tiers.
var planQuotas = map[model.Plan]model.Quotas{
	model.PlanBasic:      {DailyLimit: 1_000, MonthlyLimit: 20_000},
	model.PlanPremium:    {DailyLimit: 10_000, MonthlyLimit: 200_000},
	model.PlanEnterprise: {DailyLimit: 100_000, MonthlyLimit: 2_000_000},
}

// QuotasForPlan returns the tier defaults, falling back to basic for an
// unknown plan name.
func QuotasForPlan(plan model.Plan) model.Quotas {
	if q, ok := planQuotas[plan]; ok {
		return q
	}
	return planQuotas[model.PlanBasic]
}
