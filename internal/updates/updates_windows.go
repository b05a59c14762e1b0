//go:build windows

package updates

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/fleetscope/winops/internal/logging"
)

// pendingCriteria matches updates that are applicable but not yet installed,
// excluding ones an administrator has hidden.
const pendingCriteria = "IsInstalled=0 and IsHidden=0"

// Pending queries the local Windows Update agent for updates awaiting
// installation, most severe first. The underlying COM search is synchronous
// and cannot be aborted: cancelling ctx abandons the wait and the search
// finishes on its own in the background.
func Pending(ctx context.Context) ([]Update, error) {
	type answer struct {
		updates []Update
		err     error
	}
	ch := make(chan answer, 1)

	go func() {
		start := time.Now()
		updates, err := scanPending()
		if err == nil {
			log.Debug("update scan finished",
				logging.KeyDurationMs, time.Since(start).Milliseconds(),
				"pending", len(updates))
		}
		ch <- answer{updates: updates, err: err}
	}()

	select {
	case a := <-ch:
		return a.updates, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scanPending walks the update agent's search result on a COM apartment
// thread. Every VARIANT is cleared and every dispatch released before
// return; a malformed collection item is skipped, never fatal.
func scanPending() ([]Update, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return nil, fmt.Errorf("failed to initialize COM: %w", err)
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("Microsoft.Update.Session")
	if err != nil {
		return nil, fmt.Errorf("failed to create update session: %w", err)
	}
	defer unknown.Release()

	session, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to query update session: %w", err)
	}
	defer session.Release()

	searcherVar, err := oleutil.CallMethod(session, "CreateUpdateSearcher")
	if err != nil {
		return nil, fmt.Errorf("create searcher failed: %w", err)
	}
	defer searcherVar.Clear()

	searcher := searcherVar.ToIDispatch()
	if searcher == nil {
		return nil, fmt.Errorf("create searcher failed: nil searcher")
	}
	defer searcher.Release()

	resultVar, err := oleutil.CallMethod(searcher, "Search", pendingCriteria)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resultVar.Clear()

	result := resultVar.ToIDispatch()
	if result == nil {
		return nil, fmt.Errorf("search failed: nil result")
	}
	defer result.Release()

	updatesVar, err := oleutil.GetProperty(result, "Updates")
	if err != nil {
		return nil, fmt.Errorf("updates collection failed: %w", err)
	}
	defer updatesVar.Clear()

	collection := updatesVar.ToIDispatch()
	if collection == nil {
		return nil, fmt.Errorf("updates collection missing")
	}
	defer collection.Release()

	countVar, err := oleutil.GetProperty(collection, "Count")
	if err != nil {
		return nil, fmt.Errorf("updates count failed: %w", err)
	}
	count := int(countVar.Val)
	countVar.Clear()

	pending := make([]Update, 0, count)
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.CallMethod(collection, "Item", i)
		if err != nil {
			continue
		}
		item := itemVar.ToIDispatch()
		itemVar.Clear()
		if item == nil {
			continue
		}

		u, err := toUpdate(item)
		item.Release()
		if err != nil {
			continue
		}
		pending = append(pending, u)
	}

	sortUpdates(pending)
	return pending, nil
}

func toUpdate(item *ole.IDispatch) (Update, error) {
	title, err := stringProp(item, "Title")
	if err != nil {
		return Update{}, err
	}

	severity, _ := stringProp(item, "MsrcSeverity")
	downloaded, _ := boolProp(item, "IsDownloaded")
	maxSize, _ := intProp(item, "MaxDownloadSize")
	rebootBehavior, _ := intProp(item, "RebootBehavior")

	return Update{
		Title:          title,
		KB:             firstKB(item),
		Severity:       normalizeSeverity(severity),
		Category:       categoryName(firstCategory(item)),
		SizeBytes:      int64(maxSize),
		Downloaded:     downloaded,
		RebootRequired: rebootBehavior != 0,
	}, nil
}

// firstKB returns the first KB article ID attached to the update, if any.
func firstKB(item *ole.IDispatch) string {
	idsVar, err := oleutil.GetProperty(item, "KBArticleIDs")
	if err != nil {
		return ""
	}
	defer idsVar.Clear()

	ids := idsVar.ToIDispatch()
	if ids == nil {
		return ""
	}
	defer ids.Release()

	countVar, err := oleutil.GetProperty(ids, "Count")
	if err != nil {
		return ""
	}
	n := int(countVar.Val)
	countVar.Clear()
	if n == 0 {
		return ""
	}

	itemVar, err := oleutil.CallMethod(ids, "Item", 0)
	if err != nil {
		return ""
	}
	defer itemVar.Clear()

	return normalizeKB(itemVar.ToString())
}

// firstCategory returns the name of the update's first category, or "".
func firstCategory(item *ole.IDispatch) string {
	catsVar, err := oleutil.GetProperty(item, "Categories")
	if err != nil {
		return ""
	}
	defer catsVar.Clear()

	cats := catsVar.ToIDispatch()
	if cats == nil {
		return ""
	}
	defer cats.Release()

	countVar, err := oleutil.GetProperty(cats, "Count")
	if err != nil {
		return ""
	}
	n := int(countVar.Val)
	countVar.Clear()
	if n == 0 {
		return ""
	}

	itemVar, err := oleutil.CallMethod(cats, "Item", 0)
	if err != nil {
		return ""
	}
	defer itemVar.Clear()

	cat := itemVar.ToIDispatch()
	if cat == nil {
		return ""
	}
	defer cat.Release()

	name, _ := stringProp(cat, "Name")
	return name
}

func stringProp(dispatch *ole.IDispatch, name string) (string, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return "", err
	}
	defer value.Clear()
	return value.ToString(), nil
}

func intProp(dispatch *ole.IDispatch, name string) (int, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return 0, err
	}
	defer value.Clear()
	return int(value.Val), nil
}

func boolProp(dispatch *ole.IDispatch, name string) (bool, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return false, err
	}
	defer value.Clear()
	return value.Val != 0, nil
}
