package model

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// SaveFile は v を gob 形式でファイルに保存します。
// 一時ファイルに書き込んでから rename するため、途中で失敗しても既存ファイルは壊れません。
func SaveFile(v interface{}, filename string) error {
	tmp := filename + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}

	if err := Encode(file, v); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to close file")
	}
	if err := os.Rename(tmp, filename); err != nil {
		return errors.Wrap(err, "failed to rename file")
	}
	return nil
}

// LoadFile はファイルから gob 形式で v に読み込みます。
func LoadFile(v interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return Decode(file, v)
}

// Encode は v をio.Writerに gob で書き込みます。
func Encode(w io.Writer, v interface{}) error {
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode")
	}
	return nil
}

// Decode はio.Readerから gob で v に読み込みます。
func Decode(r io.Reader, v interface{}) error {
	if err := gob.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode")
	}
	return nil
}

// Marshal は v を gob のバイト列にします。キーバリューストア向け。
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal は gob のバイト列を v に復元します。
func Unmarshal(data []byte, v interface{}) error {
	return Decode(bytes.NewReader(data), v)
}
