package model

import (
	"encoding/json"
	"sort"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// NetworkStateVersion はシリアライズ形式のバージョンです。
const NetworkStateVersion = "1"

// NamedTensor は名前付きの行列値です（Rows x Cols、行優先）。
type NamedTensor struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// NetworkState はネットワークの学習可能パラメータとバッファのスナップショット（シリアライゼーション用）
type NetworkState struct {
	// Kind はネットワークの種類（backbone 名、"projector" 等）
	Kind string `json:"kind"`

	// Version は互換性チェック用
	Version string `json:"version"`

	// Params は学習可能パラメータ
	Params []NamedTensor `json:"params"`

	// Buffers は BatchNorm の移動平均など勾配を持たない状態
	Buffers []NamedTensor `json:"buffers,omitempty"`

	// Metadata は追加情報（入力次元など）
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToJSON は重みを他のツールへ渡すための整形済み JSON を返します。
func (ns *NetworkState) ToJSON() ([]byte, error) {
	b, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode network state")
	}
	return b, nil
}

// Validate は名前の重複と要素数を検証します。
func (ns *NetworkState) Validate() error {
	if ns.Kind == "" {
		return errors.NewValueError("NetworkState.Validate", "kind is required")
	}
	if ns.Version == "" {
		return errors.NewValueError("NetworkState.Validate", "version is required")
	}
	seen := make(map[string]bool, len(ns.Params)+len(ns.Buffers))
	for _, group := range [][]NamedTensor{ns.Params, ns.Buffers} {
		for _, t := range group {
			if seen[t.Name] {
				return errors.NewValueError("NetworkState.Validate", "duplicate tensor "+t.Name)
			}
			seen[t.Name] = true
			if len(t.Data) != t.Rows*t.Cols {
				return errors.NewDimensionError("NetworkState.Validate", t.Rows*t.Cols, len(t.Data), 0)
			}
		}
	}
	return nil
}

// Lookup は名前でパラメータまたはバッファを探します。
func (ns *NetworkState) Lookup(name string) (NamedTensor, bool) {
	for _, group := range [][]NamedTensor{ns.Params, ns.Buffers} {
		for _, t := range group {
			if t.Name == name {
				return t, true
			}
		}
	}
	return NamedTensor{}, false
}

// Names はパラメータ名をソートして返します。
func (ns *NetworkState) Names() []string {
	names := make([]string, 0, len(ns.Params)+len(ns.Buffers))
	for _, t := range ns.Params {
		names = append(names, t.Name)
	}
	for _, t := range ns.Buffers {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Clone はNetworkStateのディープコピーを作成
func (ns *NetworkState) Clone() *NetworkState {
	clone := &NetworkState{
		Kind:     ns.Kind,
		Version:  ns.Version,
		Params:   cloneTensors(ns.Params),
		Buffers:  cloneTensors(ns.Buffers),
		Metadata: make(map[string]string, len(ns.Metadata)),
	}
	for k, v := range ns.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

func cloneTensors(in []NamedTensor) []NamedTensor {
	if in == nil {
		return nil
	}
	out := make([]NamedTensor, len(in))
	for i, t := range in {
		data := make([]float64, len(t.Data))
		copy(data, t.Data)
		out[i] = NamedTensor{Name: t.Name, Rows: t.Rows, Cols: t.Cols, Data: data}
	}
	return out
}
