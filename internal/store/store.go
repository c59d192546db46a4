// Package store persists the three agentflow collections (waiting sessions,
// message queue, conversation flow) as YAML files under one lock.
//
// Every operation re-reads the files it touches while holding the store lock
// and writes back only what changed. Nothing is cached between calls, so
// several processes can share one workspace directory.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/agentflow/internal/lock"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
	yamlutil "github.com/msageha/agentflow/internal/yaml"
)

// ErrFileTooLarge is returned when a collection would grow past the configured size limit.
var ErrFileTooLarge = errors.New("collection file exceeds size limit")

var fileTypes = map[model.Collection]string{
	model.CollectionWaitingSessions:  yamlutil.FileTypeWaitingSessions,
	model.CollectionMessageQueue:     yamlutil.FileTypeMessageQueue,
	model.CollectionConversationFlow: yamlutil.FileTypeConversationFlow,
}

type Store struct {
	dir          string
	lock         *lock.StoreLock
	logger       *logging.Logger
	maxFileBytes int
}

type Option func(*Store)

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxFileBytes caps the encoded size of any single collection; 0 disables the check.
func WithMaxFileBytes(n int) Option {
	return func(s *Store) { s.maxFileBytes = n }
}

// New opens the store rooted at workspaceDir (the .agentflow directory).
// Collection files are created lazily on first access.
func New(workspaceDir string, opts ...Option) *Store {
	s := &Store{
		dir:    workspaceDir,
		lock:   lock.NewStoreLock(filepath.Join(workspaceDir, "locks", "store.lock")),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file backing collection c.
func (s *Store) Path(c model.Collection) string {
	return filepath.Join(s.dir, "state", string(c)+".yaml")
}

func (s *Store) Close() error {
	return s.lock.Close()
}

// View runs fn against a consistent snapshot. Changes made by fn are discarded.
func (s *Store) View(fn func(tx *Tx) error) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	return fn(newTx(s))
}

// Update runs fn under the lock and writes back every collection fn changed.
// If fn returns an error nothing is written.
func (s *Store) Update(fn func(tx *Tx) error) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Reset replaces all three collections with their empty forms.
func (s *Store) Reset() error {
	return s.Update(func(tx *Tx) error {
		*tx.Sessions() = emptySessions()
		*tx.Queue() = emptyQueue()
		*tx.Conversations() = emptyConversations()
		return nil
	})
}

// Init creates any missing collection file. Existing files are left alone.
func (s *Store) Init() error {
	return s.Update(func(tx *Tx) error {
		for _, c := range model.AllCollections {
			if _, err := os.Stat(s.Path(c)); os.IsNotExist(err) {
				tx.load(c)
				tx.force[c] = true
			}
		}
		return nil
	})
}

// Check validates the schema header of every collection file without
// recovering anything. Missing files are reported as errors too.
func (s *Store) Check() map[model.Collection]error {
	out := make(map[model.Collection]error, len(model.AllCollections))
	for _, c := range model.AllCollections {
		out[c] = yamlutil.ValidateSchemaHeader(s.Path(c), fileTypes[c])
	}
	return out
}

// read decodes collection c into out. Missing files yield the empty form and
// corrupt files are quarantined; read never fails.
func (s *Store) read(c model.Collection, out any) {
	path := s.Path(c)
	fileType := fileTypes[c]

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnf("read %s: %v (treating as empty)", c, err)
		}
		return
	}

	err = decode(data, fileType, out)
	if err == nil {
		return
	}
	s.logger.Warnf("collection %s is unreadable: %v", c, err)

	if err := yamlutil.RecoverCorruptedFile(s.logger, s.dir, path, fileType); err != nil {
		s.logger.Errorf("recover %s: %v (treating as empty)", c, err)
		return
	}
	data, err = os.ReadFile(path)
	if err != nil {
		s.logger.Errorf("re-read %s after recovery: %v", c, err)
		return
	}
	if err := decode(data, fileType, out); err != nil {
		s.logger.Errorf("collection %s still unreadable after recovery: %v", c, err)
	}
}

func decode(data []byte, fileType string, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty file")
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, fileType); err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (s *Store) write(c model.Collection, content []byte) error {
	if s.maxFileBytes > 0 && len(content) > s.maxFileBytes {
		return fmt.Errorf("%s: %d > %d bytes: %w", c, len(content), s.maxFileBytes, ErrFileTooLarge)
	}
	path := s.Path(c)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.WriteCollection(path, content, fileTypes[c]); err != nil {
		return fmt.Errorf("write %s: %w", c, err)
	}
	return nil
}

func emptySessions() model.WaitingSessions {
	return model.WaitingSessions{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeWaitingSessions,
		Sessions:      map[string]model.WaitingSession{},
	}
}

func emptyQueue() model.MessageQueue {
	return model.MessageQueue{
		SchemaVersion:   yamlutil.CurrentSchemaVersion,
		FileType:        yamlutil.FileTypeMessageQueue,
		PendingMessages: []model.QueuedMessage{},
	}
}

func emptyConversations() model.ConversationFlow {
	return model.ConversationFlow{
		SchemaVersion:       yamlutil.CurrentSchemaVersion,
		FileType:            yamlutil.FileTypeConversationFlow,
		ActiveConversations: []model.Conversation{},
	}
}
