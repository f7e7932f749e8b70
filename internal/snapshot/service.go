// Package snapshot records versions of an issue in a per-issue git repository.
// Each commit holds the issue as JSON rows plus its linear text rendering.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/script"
)

const (
	contentFile = "issue.json"
	textFile    = "script.txt"
	branch      = "main"
)

var ErrNoSnapshots = errors.New("issue has no snapshots")

// Entity is one script row as stored in a snapshot.
type Entity struct {
	ID        string            `json:"id"`
	Kind      script.Kind       `json:"kind"`
	ParentID  string            `json:"parentId"`
	SortOrder int               `json:"sortOrder"`
	Number    int               `json:"number,omitempty"`
	Fields    map[string]string `json:"fields"`
}

type Content struct {
	Issue    script.Issue `json:"issue"`
	Entities []Entity     `json:"entities"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
}

// Change is one difference between two snapshots. Field is empty when the whole
// entity was added or removed.
type Change struct {
	EntityID string      `json:"entityId"`
	Kind     script.Kind `json:"kind"`
	Field    string      `json:"field,omitempty"`
	Before   string      `json:"before"`
	After    string      `json:"after"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ContentOf flattens tree into snapshot rows in document order. Entities still
// being created are left out.
func ContentOf(tree *script.Tree) Content {
	content := Content{Issue: tree.Issue(), Entities: make([]Entity, 0, tree.Len())}
	tree.Walk(func(node script.Node) bool {
		if node.Ref.IsTemporary() {
			return true
		}
		fields := make(map[string]string, len(node.Fields))
		for k, v := range node.Fields {
			fields[k] = v
		}
		content.Entities = append(content.Entities, Entity{
			ID:        node.ID(),
			Kind:      node.Kind,
			ParentID:  node.ParentID,
			SortOrder: node.SortOrder,
			Number:    node.Number,
			Fields:    fields,
		})
		return true
	})
	return content
}

// Commit writes tree as the newest version of its issue. When nothing changed since
// the last commit the head is returned with changed set to false. A non-empty name
// tags the commit.
func (s *Service) Commit(tree *script.Tree, author, message, name string) (CommitInfo, bool, error) {
	issueID := tree.Issue().ID
	lock := s.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(issueID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	content := ContentOf(tree)
	text := blocks.GenerateLinearText(blocks.Project(tree, blocks.ScopeIssue, blocks.Anchor{}))

	if head, err := headCommit(repo); err == nil {
		previous, err := readContent(head)
		if err != nil {
			return CommitInfo{}, false, err
		}
		if len(Diff(previous, content)) == 0 {
			return toCommitInfo(head), false, nil
		}
	} else if !errors.Is(err, ErrNoSnapshots) {
		return CommitInfo{}, false, err
	}

	hash, err := commitFiles(repo, content, text, author, message)
	if err != nil {
		return CommitInfo{}, false, err
	}
	if name != "" {
		if err := createTag(repo, hash, name); err != nil {
			return CommitInfo{}, false, err
		}
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	if name != "" {
		info.Tags = []string{name}
	}
	return info, true, nil
}

// History lists commits newest first. An issue without a repository has no history.
func (s *Service) History(issueID string, limit int) ([]CommitInfo, error) {
	lock := s.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(issueID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoSnapshots) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		info.Tags = tags[commitObj.Hash]
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TextAt returns the linear text stored by the commit hash (or tag) names.
func (s *Service) TextAt(issueID, rev string) (string, error) {
	commitObj, err := s.commitAt(issueID, rev)
	if err != nil {
		return "", err
	}
	data, err := readFile(commitObj, textFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Service) ContentAt(issueID, rev string) (Content, error) {
	commitObj, err := s.commitAt(issueID, rev)
	if err != nil {
		return Content{}, err
	}
	return readContent(commitObj)
}

// DiffRevisions compares two stored versions of an issue.
func (s *Service) DiffRevisions(issueID, from, to string) ([]Change, error) {
	before, err := s.ContentAt(issueID, from)
	if err != nil {
		return nil, err
	}
	after, err := s.ContentAt(issueID, to)
	if err != nil {
		return nil, err
	}
	return Diff(before, after), nil
}

func (s *Service) commitAt(issueID, rev string) (*object.Commit, error) {
	lock := s.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(issueID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("issue %s: %w", issueID, ErrNoSnapshots)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, rev)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return commitObj, nil
}

// Diff lists field changes of entities present in both versions, then entities
// added or removed, ordered by entity id.
func Diff(from, to Content) []Change {
	before := make(map[string]Entity, len(from.Entities))
	for _, entity := range from.Entities {
		before[entity.ID] = entity
	}
	after := make(map[string]Entity, len(to.Entities))
	for _, entity := range to.Entities {
		after[entity.ID] = entity
	}

	changes := make([]Change, 0)
	if from.Issue.Title != to.Issue.Title {
		changes = append(changes, Change{EntityID: to.Issue.ID, Field: "title", Before: from.Issue.Title, After: to.Issue.Title})
	}
	for id, old := range before {
		current, ok := after[id]
		if !ok {
			changes = append(changes, Change{EntityID: id, Kind: old.Kind, Before: string(old.Kind)})
			continue
		}
		if old.ParentID != current.ParentID || old.SortOrder != current.SortOrder {
			changes = append(changes, Change{
				EntityID: id,
				Kind:     current.Kind,
				Field:    "position",
				Before:   fmt.Sprintf("%s#%d", old.ParentID, old.SortOrder),
				After:    fmt.Sprintf("%s#%d", current.ParentID, current.SortOrder),
			})
		}
		for _, field := range current.Kind.Fields() {
			if old.Fields[field] != current.Fields[field] {
				changes = append(changes, Change{EntityID: id, Kind: current.Kind, Field: field, Before: old.Fields[field], After: current.Fields[field]})
			}
		}
	}
	for id, entity := range after {
		if _, ok := before[id]; !ok {
			changes = append(changes, Change{EntityID: id, Kind: entity.Kind, After: string(entity.Kind)})
		}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].EntityID != changes[j].EntityID {
			return changes[i].EntityID < changes[j].EntityID
		}
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func (s *Service) repoPath(issueID string) string {
	return filepath.Join(s.baseDir, issueID)
}

func (s *Service) issueLock(issueID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[issueID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[issueID] = lock
	return lock
}

func (s *Service) openOrInit(issueID string) (*git.Repository, error) {
	path := s.repoPath(issueID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoSnapshots
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commitFiles(repo *git.Repository, content Content, text, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, textFile), []byte(text), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", textFile, err)
	}
	for _, name := range []string{contentFile, textFile} {
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	if message == "" {
		message = "Snapshot " + content.Issue.Title
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.scriptdesk.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func createTag(repo *git.Repository, hash plumbing.Hash, name string) error {
	_, err := repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "ScriptDesk",
			Email: "scriptdesk@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil {
		return fmt.Errorf("create tag %s: %w", name, err)
	}
	return nil
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.TagObjects()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()
	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(tag *object.Tag) error {
		out[tag.Target] = append(out[tag.Target], tag.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return out, nil
}

func readContent(commitObj *object.Commit) (Content, error) {
	data, err := readFile(commitObj, contentFile)
	if err != nil {
		return Content{}, err
	}
	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return Content{}, fmt.Errorf("decode snapshot content: %w", err)
	}
	return content, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}
