// Package metrics は k-NN モニタなどの分類結果を評価する指標を提供します。
package metrics

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// checkPair は2つのベクトルが空でなく同じ長さかを確認します。
func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil {
		return 0, errors.NewValueError(op, "empty vector")
	}
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// Accuracy は予測ラベルが正解と一致する割合を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var correct int
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// AUC は二値ラベルとスコアから ROC 曲線下面積を計算する。
// 同点のスコアは 0.5 として数える（Mann-Whitney U 統計量）。
// 片方のクラスしか存在しない場合は定義できないため 0.5 を返す。
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := checkPair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}

	type scored struct {
		score float64
		pos   bool
	}
	items := make([]scored, n)
	var nPos int
	for i := 0; i < n; i++ {
		y := yTrue.AtVec(i)
		if y != 0 && y != 1 {
			return 0, errors.NewValueError("AUC", "labels must be binary (0 or 1)")
		}
		items[i] = scored{score: yScore.AtVec(i), pos: y == 1}
		if y == 1 {
			nPos++
		}
	}
	nNeg := n - nPos
	if nPos == 0 || nNeg == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("AUC", "only one class present in y_true", 0.5))
		return 0.5, nil
	}

	sort.Slice(items, func(a, b int) bool { return items[a].score < items[b].score })

	// 同点グループに平均順位を割り当てて陽性の順位和を求める
	var rankSum float64
	for i := 0; i < n; {
		j := i
		for j < n && items[j].score == items[i].score {
			j++
		}
		avgRank := float64(i+j+1) / 2 // 1始まりの平均順位
		for k := i; k < j; k++ {
			if items[k].pos {
				rankSum += avgRank
			}
		}
		i = j
	}

	u := rankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg)), nil
}

// AUCMatrix は列ベクトル（n×1 行列）の入力に対してAUCを計算する。
// 複数列の場合は先頭列を使う。
func AUCMatrix(yTrue, yScore mat.Matrix) (float64, error) {
	if yTrue == nil || yScore == nil {
		return 0, errors.NewValueError("AUCMatrix", "nil matrix")
	}
	if dense, ok := yTrue.(*mat.Dense); ok && dense.IsEmpty() {
		return 0, errors.NewValueError("AUCMatrix", "empty matrix")
	}
	if dense, ok := yScore.(*mat.Dense); ok && dense.IsEmpty() {
		return 0, errors.NewValueError("AUCMatrix", "empty matrix")
	}
	r, _ := yTrue.Dims()
	rs, _ := yScore.Dims()
	if r != rs {
		return 0, errors.NewDimensionError("AUCMatrix", r, rs, 0)
	}
	return AUC(firstColumn(yTrue), firstColumn(yScore))
}

func firstColumn(m mat.Matrix) *mat.VecDense {
	r, _ := m.Dims()
	v := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		v.SetVec(i, m.At(i, 0))
	}
	return v
}

// ConfusionMatrix は (numClasses, numClasses) の混同行列を返す。行が正解、列が予測。
func ConfusionMatrix(yTrue, yPred *mat.VecDense, numClasses int) (*mat.Dense, error) {
	n, err := checkPair("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return nil, err
	}
	if numClasses < 1 {
		return nil, errors.NewConfigurationError("num_classes", "must be at least 1", numClasses)
	}
	cm := mat.NewDense(numClasses, numClasses, nil)
	for i := 0; i < n; i++ {
		t, p := int(yTrue.AtVec(i)), int(yPred.AtVec(i))
		if t < 0 || t >= numClasses || p < 0 || p >= numClasses {
			return nil, errors.NewValueError("ConfusionMatrix", "label outside [0, num_classes)")
		}
		cm.Set(t, p, cm.At(t, p)+1)
	}
	return cm, nil
}

// BalancedAccuracy はクラスごとの再現率の平均です。正解に現れないクラスは除きます。
func BalancedAccuracy(yTrue, yPred *mat.VecDense, numClasses int) (float64, error) {
	cm, err := ConfusionMatrix(yTrue, yPred, numClasses)
	if err != nil {
		return 0, err
	}
	var sum float64
	var present int
	for c := 0; c < numClasses; c++ {
		support := mat.Sum(cm.RowView(c))
		if support == 0 {
			continue
		}
		sum += cm.At(c, c) / support
		present++
	}
	return sum / float64(present), nil
}

// Sensitivity は二値分類でクラス 1 の再現率（真陽性率）です。
func Sensitivity(yTrue, yPred *mat.VecDense) (float64, error) {
	return binaryRecall("Sensitivity", yTrue, yPred, 1)
}

// Specificity は二値分類でクラス 0 の再現率（真陰性率）です。
func Specificity(yTrue, yPred *mat.VecDense) (float64, error) {
	return binaryRecall("Specificity", yTrue, yPred, 0)
}

func binaryRecall(op string, yTrue, yPred *mat.VecDense, class float64) (float64, error) {
	n, err := checkPair(op, yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var support, hit int
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) != class {
			continue
		}
		support++
		if yPred.AtVec(i) == class {
			hit++
		}
	}
	if support == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning(op, "no true samples of the class", 0))
		return 0, nil
	}
	return float64(hit) / float64(support), nil
}

// Report は1つの k に対する分類結果の要約です。
type Report struct {
	Accuracy         float64
	BalancedAccuracy float64
	// Sensitivity, Specificity, AUC は二値問題でのみ意味を持ちます。
	Sensitivity float64
	Specificity float64
	AUC         float64
	Binary      bool
	Confusion   *mat.Dense
}

// Classify は予測ラベルと陽性スコアから Report を作ります。
// yScore はクラス 1 の確信度で、二値問題でのみ使われます（nil なら AUC は 0.5）。
func Classify(yTrue, yPred, yScore *mat.VecDense, numClasses int) (*Report, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	cm, err := ConfusionMatrix(yTrue, yPred, numClasses)
	if err != nil {
		return nil, err
	}
	bal, err := BalancedAccuracy(yTrue, yPred, numClasses)
	if err != nil {
		return nil, err
	}
	r := &Report{Accuracy: acc, BalancedAccuracy: bal, Confusion: cm, AUC: 0.5}
	if numClasses != 2 {
		return r, nil
	}

	r.Binary = true
	if r.Sensitivity, err = Sensitivity(yTrue, yPred); err != nil {
		return nil, err
	}
	if r.Specificity, err = Specificity(yTrue, yPred); err != nil {
		return nil, err
	}
	if yScore != nil {
		if r.AUC, err = AUC(yTrue, yScore); err != nil {
			return nil, err
		}
	}
	return r, nil
}
