package action

// In-page functions. Element functions run with this bound to the target.

// armClickScript installs a one-shot capture listener that records whether
// pointer events reach the element or one of its descendants. It returns the
// key checkClickScript reads.
const armClickScript = `function() {
  const el = this;
  const key = '__webpilot_click_' + Math.random().toString(36).slice(2);
  const rec = {hit: false};
  const types = ['mousedown', 'mouseup', 'click', 'contextmenu', 'auxclick'];
  const on = (e) => {
    const path = e.composedPath ? e.composedPath() : [];
    if (path.includes(el) || el.contains(e.target)) rec.hit = true;
  };
  types.forEach(t => window.addEventListener(t, on, true));
  const off = () => types.forEach(t => window.removeEventListener(t, on, true));
  window[key] = {rec, off};
  setTimeout(() => { if (window[key]) { window[key].off(); delete window[key]; } }, 5000);
  return key;
}`

// checkClickScript returns whether the armed listener saw the click, or null
// when the listener is gone.
const checkClickScript = `function(key) {
  const r = window[key];
  if (!r) return null;
  r.off();
  delete window[key];
  return r.rec.hit;
}`

// jsClickScript dispatches the pointer sequence and a click directly on the
// element.
const jsClickScript = `function(button) {
  const el = this;
  if (el.scrollIntoView) el.scrollIntoView({block: 'center', inline: 'center'});
  const r = el.getBoundingClientRect();
  const init = {
    bubbles: true, cancelable: true, composed: true, view: window,
    clientX: r.x + r.width / 2, clientY: r.y + r.height / 2, button: button || 0,
  };
  const P = window.PointerEvent || MouseEvent;
  el.dispatchEvent(new P('pointerdown', init));
  el.dispatchEvent(new MouseEvent('mousedown', init));
  if (el.focus) el.focus({preventScroll: true});
  el.dispatchEvent(new P('pointerup', init));
  el.dispatchEvent(new MouseEvent('mouseup', init));
  if (!button && typeof el.click === 'function') el.click();
  else el.dispatchEvent(new MouseEvent(button === 2 ? 'contextmenu' : 'click', init));
  return true;
}`

// textTargetScript finds the first visible element whose text matches,
// searching native buttons, then anchors, then role=button, then anything
// that looks clickable.
const textTargetScript = `function(text, exact) {
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
  const want = norm(text);
  const label = (el) => norm(el.innerText || el.textContent || el.value || el.getAttribute('aria-label') || el.getAttribute('title'));
  const matches = (el) => exact ? label(el) === want : label(el).includes(want);
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    if (!r.width || !r.height) return false;
    const st = getComputedStyle(el);
    return st.visibility !== 'hidden' && st.display !== 'none';
  };
  const tiers = [
    'button, input[type=submit], input[type=button], input[type=reset]',
    'a',
    '[role=button]',
  ];
  for (const sel of tiers) {
    for (const el of document.querySelectorAll(sel)) {
      if (visible(el) && matches(el)) return el;
    }
  }
  let best = null;
  for (const el of document.querySelectorAll('body *')) {
    if (!matches(el) || !visible(el)) continue;
    const clickable = el.hasAttribute('onclick') || typeof el.onclick === 'function' ||
      getComputedStyle(el).cursor === 'pointer';
    if (!clickable) continue;
    if (!best || best.contains(el)) best = el;
  }
  return best;
}`

// focusScript focuses the element and selects its contents, or moves the
// caret to the end when appending.
const focusScript = `function(append) {
  const el = this;
  if (el.focus) el.focus({preventScroll: true});
  if ('value' in el && typeof el.setSelectionRange === 'function') {
    const n = String(el.value || '').length;
    try {
      if (append) el.setSelectionRange(n, n); else el.setSelectionRange(0, n);
    } catch (e) {
      if (!append && el.select) el.select();
    }
    return true;
  }
  if ('value' in el && !append && el.select) {
    el.select();
    return true;
  }
  if (el.isContentEditable) {
    const range = document.createRange();
    range.selectNodeContents(el);
    if (append) range.collapse(false);
    const sel = window.getSelection();
    sel.removeAllRanges();
    sel.addRange(range);
  }
  return document.activeElement === el || el.contains(document.activeElement);
}`

// frameworkFillScript sets the value through the prototype setter so
// controlled-input frameworks observe the change, then fires exactly one
// input and one change event.
const frameworkFillScript = `function(value, append) {
  const el = this;
  if (el.focus) el.focus({preventScroll: true});
  if (!('value' in el) && el.isContentEditable) {
    el.textContent = append ? el.textContent + value : value;
    el.dispatchEvent(new InputEvent('input', {bubbles: true, composed: true, inputType: 'insertText', data: value}));
    return el.textContent;
  }
  const next = append ? String(el.value || '') + value : value;
  const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
    : el instanceof HTMLSelectElement ? HTMLSelectElement.prototype
    : HTMLInputElement.prototype;
  const desc = Object.getOwnPropertyDescriptor(proto, 'value');
  if (desc && desc.set) desc.set.call(el, next); else el.value = next;
  el.dispatchEvent(new Event('input', {bubbles: true, composed: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return String(el.value);
}`

// readValueScript returns the current value of a form control or the text
// of an editable region.
const readValueScript = `function() {
  const el = this;
  if ('value' in el) return String(el.value);
  if (el.isContentEditable) return el.textContent;
  return null;
}`

// selectOptionScript selects options by value or visible label and returns
// the values now selected, or null for a non-select element.
const selectOptionScript = `function(wanted) {
  const el = this;
  if (el.localName !== 'select') return null;
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
  const picked = [];
  for (const opt of el.options) {
    const hit = wanted.some(w => opt.value === w || norm(opt.label || opt.textContent) === norm(w));
    if (el.multiple) opt.selected = hit;
    else if (hit && !picked.length) opt.selected = true;
    if (hit && (el.multiple || !picked.length)) picked.push(opt.value);
  }
  if (picked.length) {
    el.dispatchEvent(new Event('input', {bubbles: true, composed: true}));
    el.dispatchEvent(new Event('change', {bubbles: true}));
  }
  return picked;
}`

// checkedScript reads the checked state of a checkbox, radio, switch or
// aria-checked element.
const checkedScript = `function() {
  const el = this;
  if ('checked' in el && (el.type === 'checkbox' || el.type === 'radio')) return el.checked;
  const aria = el.getAttribute('aria-checked');
  if (aria !== null) return aria === 'true';
  const inner = el.querySelector && el.querySelector('input[type=checkbox], input[type=radio]');
  return inner ? inner.checked : null;
}`
