package cascade

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"slotmesh/logger"
)

type chainDocument struct {
	CascadeChain []SlotConfig `json:"cascade_chain"`
}

// FileChainStore 级联链保存为 JSON 文件，执行记录追加到 JSONL 文件
type FileChainStore struct {
	mu          sync.Mutex
	chainPath   string
	historyPath string
}

// NewFileChainStore 创建文件存储
func NewFileChainStore(chainPath, historyPath string) *FileChainStore {
	return &FileChainStore{chainPath: chainPath, historyPath: historyPath}
}

// LoadChain 读取级联链
func (s *FileChainStore) LoadChain(ctx context.Context) ([]SlotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.chainPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取级联配置失败: %w", err)
	}

	var doc chainDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChain, err)
	}
	return doc.CascadeChain, nil
}

// SaveChain 原子写入级联链（临时文件 + fsync + rename）
func (s *FileChainStore) SaveChain(ctx context.Context, chain []SlotConfig) error {
	data, err := json.MarshalIndent(chainDocument{CascadeChain: chain}, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化级联配置失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.chainPath, data, 0644); err != nil {
		return fmt.Errorf("保存级联配置失败: %w", err)
	}
	return nil
}

// AppendRecord 追加一条执行记录
func (s *FileChainStore) AppendRecord(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化级联记录失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.historyPath), 0755); err != nil {
		return fmt.Errorf("创建级联历史目录失败: %w", err)
	}
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("打开级联历史失败: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入级联历史失败: %w", err)
	}
	return f.Sync()
}

// Records 读取最近的执行记录，无法解析的行会被跳过
func (s *FileChainStore) Records(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("打开级联历史失败: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logger.Debug("[级联] 跳过无法解析的历史记录: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取级联历史失败: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// 尽力 fsync 父目录
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
