package entity

import (
	"database/sql/driver"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPrice 单个模型的计价规则
type ModelPrice struct {
	Base        decimal.Decimal            `json:"base"`
	PerSecond   decimal.Decimal            `json:"per_second"`
	Resolutions map[string]decimal.Decimal `json:"resolutions,omitempty"`
	TaskTypes   map[string]decimal.Decimal `json:"task_types,omitempty"`
}

// PricingTable 服务商计价表，Models 的键为模型名，"*" 匹配任意模型
type PricingTable struct {
	Default decimal.Decimal       `json:"default"`
	Models  map[string]ModelPrice `json:"models,omitempty"`
}

// Value 实现 driver.Valuer 接口。
func (t PricingTable) Value() (driver.Value, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan 实现 sql.Scanner 接口。
func (t *PricingTable) Scan(value interface{}) error {
	raw, err := scanJSONBytes(value, "PricingTable")
	if err != nil {
		return err
	}
	*t = PricingTable{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, t)
}

// Cost 计算一次生成请求的积分消耗。
//
// 单价优先级：分辨率 > 任务类型 > 模型基础价 > 表默认价；
// 配置了按秒计费且 duration 大于 0 时再叠加 per_second * duration。
func (t PricingTable) Cost(model string, taskType TaskType, resolution string, duration int) decimal.Decimal {
	unit := t.Default
	if price, ok := t.lookup(model); ok {
		if v, ok := lookupFold(price.Resolutions, resolution); ok && v.IsPositive() {
			unit = v
		} else if v, ok := lookupFold(price.TaskTypes, string(taskType)); ok && v.IsPositive() {
			unit = v
		} else if price.Base.IsPositive() {
			unit = price.Base
		}
		if duration > 0 && price.PerSecond.IsPositive() {
			unit = unit.Add(price.PerSecond.Mul(decimal.NewFromInt(int64(duration))))
		}
	}
	if unit.IsNegative() {
		return decimal.Zero
	}
	return unit
}

func (t PricingTable) lookup(model string) (ModelPrice, bool) {
	if len(t.Models) == 0 {
		return ModelPrice{}, false
	}
	if price, ok := lookupFold(t.Models, model); ok {
		return price, true
	}
	price, ok := t.Models["*"]
	return price, ok
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	var zero V
	key = strings.TrimSpace(key)
	if key == "" || len(m) == 0 {
		return zero, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return zero, false
}
