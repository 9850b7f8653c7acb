package batch

import (
	"sort"

	"github.com/textgrain/taskcore/internal/task"
)

// Selection is the batcher's pure output: the kind the batch is composed
// of and the ordered set of tasks it claims. A batch holds tasks of one
// kind only (spec §4.3), except IndexDeletion batches, which additionally
// absorb other pending same-index tasks as no-ops, and DocumentClear
// batches, which absorb the adjacent pending document mutations of their
// index.
type Selection struct {
	Kind  task.Kind
	Tasks []*task.Task
}

// deletionKinds groups deletion variants together since spec §4.3g
// treats them as mutually compatible ("DocumentDeletion /
// DocumentDeletionByFilter: consecutive").
var deletionKinds = map[task.Kind]bool{
	task.KindDocumentDeletion:         true,
	task.KindDocumentDeletionByFilter: true,
}

var docMutationKinds = map[task.Kind]bool{
	task.KindDocumentAddOrUpdate:      true,
	task.KindDocumentEdit:             true,
	task.KindDocumentDeletion:         true,
	task.KindDocumentDeletionByFilter: true,
}

// Next selects a maximal compatible prefix from enqueued, the current set
// of Enqueued tasks, per the priority order of spec §4.3. enqueued need not
// be sorted; Next sorts a copy by uid ascending so ties break on the lower
// uid and batches are always composed of the oldest eligible tasks.
// Returns nil if enqueued is empty or nothing is eligible (should not
// happen for a non-empty set, since every task belongs to some bucket).
func Next(enqueued []*task.Task) *Selection {
	if len(enqueued) == 0 {
		return nil
	}
	tasks := append([]*task.Task(nil), enqueued...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UID < tasks[j].UID })

	if sel := byKindAll(tasks, task.KindTaskCancellation); sel != nil {
		return sel
	}
	if sel := byKindAll(tasks, task.KindTaskDeletion); sel != nil {
		return sel
	}
	if sel := byKindAll(tasks, task.KindSnapshotCreation); sel != nil {
		return sel
	}
	if sel := byKindFirst(tasks, task.KindDumpCreation); sel != nil {
		return sel
	}

	return perIndexSelection(tasks)
}

func byKindAll(tasks []*task.Task, k task.Kind) *Selection {
	var out []*task.Task
	for _, t := range tasks {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Selection{Kind: k, Tasks: out}
}

func byKindFirst(tasks []*task.Task, k task.Kind) *Selection {
	for _, t := range tasks {
		if t.Kind == k {
			return &Selection{Kind: k, Tasks: []*task.Task{t}}
		}
	}
	return nil
}

// perIndexSelection implements spec §4.3 step 5: find the index with the
// oldest pending task, then apply that index's head-of-line kind's
// compatibility rule.
func perIndexSelection(tasks []*task.Task) *Selection {
	if sel := indexSwapSelection(tasks); sel != nil {
		return sel
	}

	var targetIndex string
	for _, t := range tasks {
		if t.Kind.IsIndexScoped() {
			targetIndex = t.Details.IndexUID
			break
		}
	}
	if targetIndex == "" {
		return nil
	}

	var idxTasks []*task.Task
	for _, t := range tasks {
		if t.Kind.IsIndexScoped() && t.Details.IndexUID == targetIndex {
			idxTasks = append(idxTasks, t)
		}
	}
	if len(idxTasks) == 0 {
		return nil
	}
	head := idxTasks[0]

	// A DocumentClear inside the leading run of document mutations
	// supersedes the whole run, so the run is batched as one DocumentClear.
	if docMutationKinds[head.Kind] {
		run := consecutiveRun(idxTasks, func(k task.Kind) bool {
			return k == task.KindDocumentClear || docMutationKinds[k]
		})
		for _, t := range run {
			if t.Kind == task.KindDocumentClear {
				return &Selection{Kind: task.KindDocumentClear, Tasks: run}
			}
		}
	}

	switch head.Kind {
	case task.KindIndexDeletion:
		// Absorbs every other pending task for this index; they become
		// no-ops logged under the batch.
		return &Selection{Kind: task.KindIndexDeletion, Tasks: idxTasks}

	case task.KindIndexCreation, task.KindIndexUpdate:
		return &Selection{Kind: head.Kind, Tasks: []*task.Task{head}}

	case task.KindSettingsUpdate:
		return &Selection{Kind: task.KindSettingsUpdate, Tasks: consecutiveRun(idxTasks, func(k task.Kind) bool {
			return k == task.KindSettingsUpdate
		})}

	case task.KindDocumentClear:
		return &Selection{Kind: task.KindDocumentClear, Tasks: consecutiveRun(idxTasks, func(k task.Kind) bool {
			return k == task.KindDocumentClear || docMutationKinds[k]
		})}

	case task.KindDocumentAddOrUpdate:
		pk := head.Details.PrimaryKey
		return &Selection{Kind: task.KindDocumentAddOrUpdate, Tasks: consecutiveRun(idxTasks, func(k task.Kind) bool {
			return k == task.KindDocumentAddOrUpdate
		}, func(t *task.Task) bool { return t.Details.PrimaryKey == pk })}

	case task.KindDocumentEdit:
		return &Selection{Kind: task.KindDocumentEdit, Tasks: consecutiveRun(idxTasks, func(k task.Kind) bool {
			return k == task.KindDocumentEdit
		})}

	case task.KindDocumentDeletion, task.KindDocumentDeletionByFilter:
		return &Selection{Kind: head.Kind, Tasks: consecutiveRun(idxTasks, func(k task.Kind) bool {
			return deletionKinds[k]
		})}

	default:
		return &Selection{Kind: head.Kind, Tasks: []*task.Task{head}}
	}
}

// indexSwapSelection gathers every enqueued IndexSwap task whose index
// pair does not overlap a name already claimed; if the first swap
// conflicts with none, later ones are added greedily, otherwise only the
// first is returned (spec §4.3.5.a).
func indexSwapSelection(tasks []*task.Task) *Selection {
	var swaps []*task.Task
	for _, t := range tasks {
		if t.Kind == task.KindIndexSwap {
			swaps = append(swaps, t)
		}
	}
	if len(swaps) == 0 {
		return nil
	}
	claimed := map[string]bool{}
	var out []*task.Task
	for _, t := range swaps {
		a, b := t.Details.IndexUID, t.Details.SwapIndexUID
		if claimed[a] || claimed[b] {
			if len(out) == 0 {
				out = append(out, t)
			}
			break
		}
		claimed[a], claimed[b] = true, true
		out = append(out, t)
	}
	return &Selection{Kind: task.KindIndexSwap, Tasks: out}
}

// consecutiveRun walks tasks from the start, collecting while every extra
// predicate holds and the kind predicate matches; it stops at the first
// task that breaks any predicate.
func consecutiveRun(tasks []*task.Task, kindOK func(task.Kind) bool, extra ...func(*task.Task) bool) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if !kindOK(t.Kind) {
			break
		}
		ok := true
		for _, pred := range extra {
			if !pred(t) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}
