package evaluator

import (
	"math"

	"servo-monitor/internal/config"
)

// HealthScore 计算综合健康分（0-100，保留两位小数）
// 阈值须为有限值（启动时已校验）
// 温度、振动、电流越低越健康，在 max 处降为 0；
// 转速以 (max+warning)/2 为最佳点，向两侧线性衰减
func HealthScore(temperature, vibration, current, rpm float64, th config.Thresholds) float64 {
	tempScore := lowerIsBetter(temperature, th.Temperature.Max)
	vibrationScore := lowerIsBetter(vibration, th.Vibration.Max)
	currentScore := lowerIsBetter(current, th.Current.Max)
	rpmScore := rpmHealth(rpm, th.RPM)

	w := th.Weights
	score := tempScore*w.Temperature +
		vibrationScore*w.Vibration +
		currentScore*w.Current +
		rpmScore*w.RPM

	// 权重之和可以大于 1，结果仍限制在 [0,100]
	return round2(clamp(score, 0, 100))
}

func lowerIsBetter(value, max float64) float64 {
	return clamp((max-value)/max*100, 0, 100)
}

// rpmHealth 要求 max > warning（启动时已校验）
func rpmHealth(rpm float64, th config.MetricThreshold) float64 {
	optimal := (th.Max + th.Warning) / 2
	deviation := math.Abs(rpm - optimal)
	maxDeviation := th.Max - optimal
	return clamp((maxDeviation-deviation)/maxDeviation*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
