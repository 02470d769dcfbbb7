package capture

import (
	"encoding/json"
	"strings"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// Page scripts are serialized, self-contained payloads handed to the remote
// runtime. They share no closures with the controller; every parameter is
// JSON-encoded into the payload before it ships.

type selectorParams struct {
	Turn             string `json:"turn"`
	AssistantMarker  string `json:"assistantMarker"`
	AnswerContent    string `json:"answerContent"`
	StopControl      string `json:"stopControl"`
	FinishedActions  string `json:"finishedActions"`
	CompletionMarker string `json:"completionMarker"`
	CopyControl      string `json:"copyControl"`
	ShowMore         string `json:"showMore"`
	Sidebar          string `json:"sidebar"`
}

func encodeSelectors(sel config.SelectorConfig) string {
	data, _ := json.Marshal(selectorParams{
		Turn:             sel.Turn,
		AssistantMarker:  sel.AssistantMarker,
		AnswerContent:    sel.AnswerContent,
		StopControl:      sel.StopControl,
		FinishedActions:  sel.FinishedActions,
		CompletionMarker: sel.CompletionMarker,
		CopyControl:      sel.CopyControl,
		ShowMore:         sel.ShowMore,
		Sidebar:          sel.SidebarConversation,
	})
	return string(data)
}

// inject substitutes JSON values for placeholder tokens. Used instead of
// Sprintf so stray percent signs in scripts stay inert.
func inject(js string, repl map[string]string) string {
	for token, val := range repl {
		js = strings.ReplaceAll(js, token, val)
	}
	return js
}

// helpersJS defines the shared extraction and heuristic functions. It is
// embedded at the top of every script that reads conversation state, so both
// strategies evaluate identical logic.
const helpersJS = `
	const S = __SEL__;
	const visible = (el) => {
		if (!el) return false;
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		return st.display !== 'none' && st.visibility !== 'hidden' && r.width > 0 && r.height > 0;
	};
	const turns = () => Array.from(document.querySelectorAll(S.turn));
	const isAssistant = (t) => {
		const role = (t.getAttribute('data-message-author-role') || t.getAttribute('data-role') || '').toLowerCase();
		if (role) return role === 'assistant' || role === 'model';
		if (S.assistantMarker && t.querySelector(S.assistantMarker)) return true;
		return /assistant|model-response/i.test((t.className || '') + ' ' + (t.id || ''));
	};
	const expand = (t) => {
		if (!S.showMore) return;
		t.querySelectorAll(S.showMore).forEach((b) => {
			try { if (visible(b)) b.click(); } catch (e) {}
		});
	};
	const extract = () => {
		const all = turns();
		for (let i = all.length - 1; i >= 0; i--) {
			const t = all[i];
			if (!isAssistant(t)) continue;
			expand(t);
			const region = S.answerContent ? t.querySelector(S.answerContent) : null;
			const node = region || t;
			const text = (node.innerText || '').trim();
			if (!text) return null;
			return {
				text: text,
				html: node.innerHTML || '',
				messageId: t.getAttribute('data-message-id') ||
					(region && region.getAttribute('data-message-id')) || '',
				turnId: t.getAttribute('data-turn-id') || t.id || '',
				turnIndex: i + 1,
				turnCount: all.length
			};
		}
		return null;
	};
	const stopControl = () => {
		if (!S.stopControl) return null;
		return Array.from(document.querySelectorAll(S.stopControl)).find(visible) || null;
	};
	const lastFinished = () => {
		const all = turns();
		for (let i = all.length - 1; i >= 0; i--) {
			if (!isAssistant(all[i])) continue;
			const t = all[i];
			if (S.finishedActions && t.querySelector(S.finishedActions)) return true;
			if (S.completionMarker && (t.innerText || '').includes(S.completionMarker)) return true;
			return false;
		}
		return false;
	};
`

func extractScript(sel config.SelectorConfig) string {
	js := `() => {` + helpersJS + `
		return extract();
	}`
	return inject(js, map[string]string{"__SEL__": encodeSelectors(sel)})
}

func stopVisibleScript(sel config.SelectorConfig) string {
	js := `() => {` + helpersJS + `
		return stopControl() !== null;
	}`
	return inject(js, map[string]string{"__SEL__": encodeSelectors(sel)})
}

func turnFinishedScript(sel config.SelectorConfig) string {
	js := `() => {` + helpersJS + `
		return lastFinished();
	}`
	return inject(js, map[string]string{"__SEL__": encodeSelectors(sel)})
}

func turnCountScript(sel config.SelectorConfig) string {
	js := `() => {` + helpersJS + `
		return turns().length;
	}`
	return inject(js, map[string]string{"__SEL__": encodeSelectors(sel)})
}

func locationScript() string {
	return `() => location.href`
}

// dumpScript produces a small diagnostic view of conversation state, used on
// the final failure path only.
func dumpScript(sel config.SelectorConfig) string {
	js := `() => {` + helpersJS + `
		const snap = extract();
		return {
			url: location.href,
			turnCount: turns().length,
			stopVisible: stopControl() !== null,
			finished: lastFinished(),
			tail: snap ? snap.text.slice(-200) : ''
		};
	}`
	return inject(js, map[string]string{"__SEL__": encodeSelectors(sel)})
}

type observerOpts struct {
	DeadlineMs   int `json:"deadlineMs"`
	SettleMs     int `json:"settleMs"`
	SettleStepMs int `json:"settleStepMs"`
	NudgeMs      int `json:"nudgeMs"`
}

// observerScript builds the page-side strategy: a promise that re-implements
// extraction locally, watches the document for mutations, nudges a stuck stop
// control on a fixed interval, and settles the final snapshot before
// resolving. It resolves with {timedOut:true} when the deadline elapses.
func observerScript(sel config.SelectorConfig, opts observerOpts) string {
	optsJSON, _ := json.Marshal(opts)
	js := `() => new Promise((resolve) => {` + helpersJS + `
		const opts = __OPTS__;
		const started = Date.now();
		let done = false;
		let settling = false;
		let best = null;
		const timers = [];
		let watcher = null;
		const cleanup = () => {
			if (watcher) { try { watcher.disconnect(); } catch (e) {} watcher = null; }
			timers.forEach((t) => clearInterval(t));
			timers.length = 0;
			delete window.__oracleObserverAbort;
		};
		const finish = (payload) => {
			if (done) return;
			done = true;
			cleanup();
			resolve(payload);
		};
		window.__oracleObserverAbort = () => finish({ aborted: true });

		const longer = (a, b) => (!a || (b && b.text.length > a.text.length)) ? b : a;

		const settle = (snap) => {
			settling = true;
			best = snap;
			const settleStart = Date.now();
			const step = setInterval(() => {
				if (done) return;
				best = longer(best, extract());
				const bounded = Date.now() - settleStart >= opts.settleMs;
				if (bounded || !stopControl() || lastFinished()) {
					finish({ ok: true, snapshot: best });
				}
			}, opts.settleStepMs);
			timers.push(step);
		};

		const attempt = () => {
			if (done || settling) return;
			const snap = extract();
			if (!snap) return;
			if (stopControl() && !lastFinished()) return;
			settle(snap);
		};

		// De-stuck nudge: the stop control can linger after generation ends.
		// Single-event dispatch is unreliable against pointer-sequence
		// listeners, so cover the whole sequence.
		timers.push(setInterval(() => {
			if (done) return;
			const stop = stopControl();
			if (!stop) return;
			const label = (stop.getAttribute('aria-label') || stop.innerText || '').toLowerCase();
			if (label && !label.includes('stop') && !label.includes('generat')) return;
			for (const type of ['pointerdown', 'pointerup', 'click']) {
				try {
					stop.dispatchEvent(new PointerEvent(type, { bubbles: true, cancelable: true }));
				} catch (e) {
					try {
						stop.dispatchEvent(new MouseEvent(type, { bubbles: true, cancelable: true }));
					} catch (e2) {}
				}
			}
		}, opts.nudgeMs));

		timers.push(setInterval(() => {
			if (Date.now() - started >= opts.deadlineMs) finish({ timedOut: true });
		}, 250));

		watcher = new MutationObserver(() => attempt());
		watcher.observe(document.documentElement || document.body,
			{ childList: true, subtree: true, characterData: true });
		attempt();
	})`
	return inject(js, map[string]string{
		"__SEL__":  encodeSelectors(sel),
		"__OPTS__": string(optsJSON),
	})
}

// observerAbortScript asks a live observer payload to stop watching.
func observerAbortScript() string {
	return `() => {
		if (typeof window.__oracleObserverAbort === 'function') {
			window.__oracleObserverAbort();
			return true;
		}
		return false;
	}`
}

type markdownOpts struct {
	MessageID string `json:"messageId"`
	TurnID    string `json:"turnId"`
	TimeoutMs int    `json:"timeoutMs"`
	PollMs    int    `json:"pollMs"`
}

// markdownScript intercepts the page's clipboard entry points, clicks the
// turn's copy control, and polls the captured payload. Interceptors are
// restored exactly once on every exit path. Resolves {found:false}
// immediately when no copy control exists.
func markdownScript(sel config.SelectorConfig, opts markdownOpts) string {
	optsJSON, _ := json.Marshal(opts)
	js := `() => new Promise((resolve) => {
		const S = __SEL__;
		const opts = __OPTS__;
		const findControl = () => {
			const all = Array.from(document.querySelectorAll(S.copyControl));
			if (!all.length) return null;
			if (opts.messageId) {
				const hit = all.find((b) => {
					const t = b.closest('[data-message-id]');
					return t && t.getAttribute('data-message-id') === opts.messageId;
				});
				if (hit) return hit;
			}
			if (opts.turnId) {
				const hit = all.find((b) => {
					const t = b.closest('[data-turn-id]') || b.closest(S.turn);
					return t && ((t.getAttribute('data-turn-id') || t.id) === opts.turnId);
				});
				if (hit) return hit;
			}
			return all[all.length - 1];
		};
		const control = findControl();
		if (!control) { resolve({ found: false }); return; }

		let captured = '';
		let cleaned = false;
		const clip = navigator.clipboard;
		const origWriteText = clip ? clip.writeText : null;
		const origWrite = clip ? clip.write : null;
		const onCopy = (ev) => {
			try {
				const d = ev.clipboardData && ev.clipboardData.getData('text/plain');
				if (d) captured = d;
			} catch (e) {}
		};
		const cleanup = () => {
			if (cleaned) return;
			cleaned = true;
			if (clip && origWriteText) clip.writeText = origWriteText;
			if (clip && origWrite) clip.write = origWrite;
			document.removeEventListener('copy', onCopy, true);
		};
		if (clip) {
			clip.writeText = (text) => { captured = String(text); return Promise.resolve(); };
			clip.write = (items) => {
				try {
					(items || []).forEach((item) => {
						if (item && item.types && item.types.includes('text/plain')) {
							item.getType('text/plain')
								.then((blob) => blob.text())
								.then((t) => { captured = t; })
								.catch(() => {});
						}
					});
				} catch (e) {}
				return Promise.resolve();
			};
		}
		document.addEventListener('copy', onCopy, true);

		try {
			control.click();
		} catch (e) {
			cleanup();
			resolve({ found: true, ok: false });
			return;
		}

		const started = Date.now();
		const poll = setInterval(() => {
			if (captured) {
				clearInterval(poll);
				cleanup();
				resolve({ found: true, ok: true, markdown: captured });
				return;
			}
			if (Date.now() - started >= opts.timeoutMs) {
				clearInterval(poll);
				cleanup();
				resolve({ found: true, ok: false });
			}
		}, opts.pollMs);
	})`
	return inject(js, map[string]string{
		"__SEL__":  encodeSelectors(sel),
		"__OPTS__": string(optsJSON),
	})
}

// relocateScript clicks the sidebar entry for a conversation id. Returns
// whether a matching entry was found.
func relocateScript(sel config.SelectorConfig, conversationID string) string {
	idJSON, _ := json.Marshal(conversationID)
	js := `() => {
		const S = __SEL__;
		const id = __ID__;
		if (!S.sidebar || !id) return false;
		const entries = Array.from(document.querySelectorAll(S.sidebar));
		const hit = entries.find((e) => {
			const a = e.closest('a') || e;
			const href = (a.getAttribute && a.getAttribute('href')) || '';
			const did = e.getAttribute('data-conversation-id') || '';
			return (href && href.includes(id)) || did === id;
		});
		if (!hit) return false;
		(hit.closest('a') || hit).click();
		return true;
	}`
	return inject(js, map[string]string{
		"__SEL__": encodeSelectors(sel),
		"__ID__":  string(idJSON),
	})
}
