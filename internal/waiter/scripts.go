package waiter

import (
	"encoding/json"
	"fmt"
)

const snapshotScript = `(function(s) {
  var nodes = document.querySelectorAll(s.container);
  var el = nodes.length ? nodes[nodes.length - 1] : null;
  var typing = s.typing ? Array.prototype.some.call(document.querySelectorAll(s.typing), function(n) {
    return n && n.offsetParent !== null && !n.classList.contains('hidden');
  }) : false;
  var stop = s.stop ? Array.prototype.some.call(document.querySelectorAll(s.stop), function(b) {
    return b && b.offsetParent !== null && !b.disabled;
  }) : false;
  var text = el ? (el.textContent || el.innerText || '') : '';
  return {
    content: text.trim(),
    height: el ? el.offsetHeight : 0,
    typing: typing,
    stop: stop,
    completed: !!(el && s.completedClass && el.classList.contains(s.completedClass)),
    streaming: !!(el && s.streamingClass && el.classList.contains(s.streamingClass)),
    spinner: s.spinner ? document.querySelector(s.spinner) !== null : false,
    count: nodes.length
  };
})`

const presentScript = `(function(sel) {
  try { return document.querySelector(sel) !== null; } catch (e) { return false; }
})`

const fingerprintScript = `(function(list) {
  for (var i = 0; i < list.length; i++) {
    try {
      if (document.querySelector(list[i].selector) !== null) return list[i].profile;
    } catch (e) {}
  }
  return '';
})`

const readyScript = `(function(s) {
  if (s.input) {
    var i = document.querySelector(s.input);
    if (!i || i.disabled || i.readOnly) return false;
  }
  if (s.send) {
    var b = document.querySelector(s.send);
    if (!b || b.disabled) return false;
  }
  return true;
})`

// snapshot is one tick's view of the answer container.
type snapshot struct {
	Content   string `json:"content"`
	Height    int    `json:"height"`
	Typing    bool   `json:"typing"`
	Stop      bool   `json:"stop"`
	Completed bool   `json:"completed"`
	Streaming bool   `json:"streaming"`
	Spinner   bool   `json:"spinner"`
	Count     int    `json:"count"`
}

func (s snapshot) generating() bool {
	return s.Streaming || s.Typing || s.Stop
}

func call(script string, arg any) (string, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("encode script argument: %w", err)
	}
	return script + "(" + string(raw) + ")", nil
}
