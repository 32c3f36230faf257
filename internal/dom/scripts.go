package dom

// In-page functions called through Runtime.callFunctionOn. They are plain
// function declarations so fakes can match on them.

// semanticHelpers computes roles and accessible names. It is spliced into
// the scripts that need it.
const semanticHelpers = `
const implicitRole = (el) => {
  const tag = el.localName;
  const type = (el.getAttribute('type') || '').toLowerCase();
  switch (tag) {
  case 'a': case 'area': return el.hasAttribute('href') ? 'link' : '';
  case 'button': return 'button';
  case 'input':
    if (type === 'hidden') return '';
    if (['button', 'submit', 'reset', 'image'].includes(type)) return 'button';
    if (type === 'checkbox') return 'checkbox';
    if (type === 'radio') return 'radio';
    if (type === 'range') return 'slider';
    if (type === 'number') return 'spinbutton';
    if (type === 'search') return 'searchbox';
    return el.hasAttribute('list') ? 'combobox' : 'textbox';
  case 'textarea': return 'textbox';
  case 'select': return (el.multiple || el.size > 1) ? 'listbox' : 'combobox';
  case 'option': return 'option';
  case 'img': return el.getAttribute('alt') === '' ? '' : 'img';
  case 'h1': case 'h2': case 'h3': case 'h4': case 'h5': case 'h6': return 'heading';
  case 'nav': return 'navigation';
  case 'main': return 'main';
  case 'header': return 'banner';
  case 'footer': return 'contentinfo';
  case 'aside': return 'complementary';
  case 'form': return 'form';
  case 'ul': case 'ol': return 'list';
  case 'li': return 'listitem';
  case 'table': return 'table';
  case 'tr': return 'row';
  case 'td': return 'cell';
  case 'th': return 'columnheader';
  case 'dialog': return 'dialog';
  case 'summary': return 'button';
  }
  return '';
};
const roleOf = (el) => {
  const explicit = (el.getAttribute('role') || '').trim().split(/\s+/)[0];
  return explicit || implicitRole(el);
};
const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
const nameOf = (el) => {
  const by = el.getAttribute('aria-labelledby');
  if (by) {
    const t = by.split(/\s+/).map(id => { const n = el.ownerDocument.getElementById(id); return n ? n.textContent : ''; }).join(' ');
    if (norm(t)) return norm(t);
  }
  const aria = el.getAttribute('aria-label');
  if (norm(aria)) return norm(aria);
  if (el.labels && el.labels.length) {
    const t = Array.from(el.labels).map(l => l.textContent).join(' ');
    if (norm(t)) return norm(t);
  }
  if (norm(el.getAttribute('title'))) return norm(el.getAttribute('title'));
  if (norm(el.getAttribute('placeholder'))) return norm(el.getAttribute('placeholder'));
  if (el.localName === 'img' || (el.localName === 'input' && el.type === 'image')) return norm(el.getAttribute('alt'));
  if (el.localName === 'input' && ['button', 'submit', 'reset'].includes(el.type)) return norm(el.value);
  return norm(el.innerText !== undefined ? el.innerText : el.textContent);
};
const deepAll = (root, sel) => {
  const out = Array.from(root.querySelectorAll(sel));
  const walk = (node) => {
    for (const el of node.querySelectorAll('*')) {
      if (el.shadowRoot) {
        out.push(...el.shadowRoot.querySelectorAll(sel));
        walk(el.shadowRoot);
      }
    }
  };
  walk(root);
  return out;
};
const isVisible = (el) => {
  if (!el.isConnected) return false;
  const r = el.getBoundingClientRect();
  if (r.width === 0 || r.height === 0) return false;
  const st = getComputedStyle(el);
  return st.visibility !== 'hidden' && st.display !== 'none' && st.opacity !== '0';
};
const describe = (el) => {
  let s = el.localName;
  if (el.id) s += '#' + el.id;
  const cls = typeof el.className === 'string' ? el.className.trim().split(/\s+/).filter(Boolean).slice(0, 2) : [];
  if (cls.length) s += '.' + cls.join('.');
  return s;
};
`

// queryScript returns the index-th element matching a selector, or the
// match count when index is -1.
const queryScript = `function(kind, value, name, exact, index) {` + semanticHelpers + `
  const doc = document;
  const matches = (text, want, whole) => {
    const t = norm(text);
    return whole ? t === want : t.toLowerCase().includes(want.toLowerCase());
  };
  let nodes = [];
  switch (kind) {
  case 'css':
    nodes = Array.from(doc.querySelectorAll(value));
    if (!nodes.length) nodes = deepAll(doc, value);
    break;
  case 'xpath': {
    const r = doc.evaluate(value, doc, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < r.snapshotLength; i++) {
      const n = r.snapshotItem(i);
      if (n.nodeType === 1) nodes.push(n);
    }
    break;
  }
  case 'text': {
    const all = deepAll(doc, 'body *').filter(el => !['script', 'style', 'noscript', 'template'].includes(el.localName));
    const hit = all.filter(el => matches(el.innerText || el.textContent || el.value, value, exact));
    nodes = hit.filter(el => !hit.some(other => other !== el && el.contains(other)));
    nodes.sort((a, b) => (isVisible(b) ? 1 : 0) - (isVisible(a) ? 1 : 0));
    break;
  }
  case 'role':
    nodes = deepAll(doc, '*').filter(el => roleOf(el) === value && (!name || matches(nameOf(el), name, exact)));
    break;
  default:
    throw new Error('unsupported selector kind ' + kind);
  }
  if (index < 0) return nodes.length;
  return nodes[index] || null;
}`

// actionabilityScript reports the interaction state of this element.
// Stability compares rects two animation frames apart, with a timer so
// throttled background tabs still answer.
const actionabilityScript = `function() {
  const el = this;
  const rect = () => { const r = el.getBoundingClientRect(); return {x: r.x, y: r.y, width: r.width, height: r.height}; };
  const first = rect();
  return new Promise((resolve) => {
    let done = false;
    const finish = () => {
      if (done) return;
      done = true;
      const box = rect();
      const attached = el.isConnected;
      const st = attached ? getComputedStyle(el) : null;
      const zeroSize = box.width === 0 || box.height === 0;
      const visible = attached && !zeroSize && st.visibility !== 'hidden' && st.display !== 'none' && st.opacity !== '0';
      const disabled = !!el.disabled || el.getAttribute('aria-disabled') === 'true' || !!el.closest('fieldset[disabled]');
      let editable = false;
      let reason = '';
      const tag = el.localName;
      const textTypes = ['', 'text', 'search', 'email', 'password', 'url', 'tel', 'number', 'date', 'datetime-local', 'month', 'time', 'week', 'color'];
      if (tag === 'textarea' || (tag === 'input' && textTypes.includes((el.getAttribute('type') || '').toLowerCase()))) {
        editable = !disabled && !el.readOnly;
        if (disabled) reason = 'disabled';
        else if (el.readOnly) reason = 'readonly';
      } else if (tag === 'select') {
        editable = !disabled;
        if (disabled) reason = 'disabled';
      } else if (el.isContentEditable) {
        editable = true;
      } else {
        reason = tag === 'input' ? 'input type ' + el.type + ' does not accept text' : '<' + tag + '> is not a text field';
      }
      const stable = first.x === box.x && first.y === box.y && first.width === box.width && first.height === box.height;
      resolve({attached, visible, enabled: !disabled, editable, stable, zeroSize, box, reason});
    };
    requestAnimationFrame(() => requestAnimationFrame(finish));
    setTimeout(finish, 100);
  });
}`

// boundingRectScript returns the viewport rect of this element.
const boundingRectScript = `function() {
  const r = this.getBoundingClientRect();
  return {x: r.x, y: r.y, width: r.width, height: r.height};
}`

// hitTestScript checks which element receives a pointer event at (x, y)
// and whether it belongs to this element.
const hitTestScript = `function(x, y) {` + semanticHelpers + `
  let hit = document.elementFromPoint(x, y);
  while (hit && hit.shadowRoot) {
    const inner = hit.shadowRoot.elementFromPoint(x, y);
    if (!inner || inner === hit) break;
    hit = inner;
  }
  if (!hit) return {covered: false, none: true};
  const owns = (target, node) => {
    for (let n = node; n; ) {
      if (n === target || target.contains(n)) return true;
      const root = n.getRootNode();
      n = root && root.host ? root.host : null;
    }
    return false;
  };
  if (owns(this, hit)) return {covered: false};
  return {
    covered: true,
    tag: hit.localName,
    id: hit.id || '',
    className: typeof hit.className === 'string' ? hit.className : '',
    text: norm(hit.innerText || hit.textContent).slice(0, 80),
    description: describe(hit),
  };
}`

// scrollScript scrolls this element into the center of the viewport.
const scrollScript = `function() {
  this.scrollIntoView({block: 'center', inline: 'center', behavior: 'instant'});
  return true;
}`

// scrollByScript scrolls the document by dy pixels and reports whether it
// moved.
const scrollByScript = `function(dy) {
  const el = document.scrollingElement || document.documentElement;
  const before = el.scrollTop;
  window.scrollBy(0, dy);
  return el.scrollTop !== before;
}`

// elementsAtScript lists the elements stacked at a viewport point.
const elementsAtScript = `function(x, y, limit) {` + semanticHelpers + `
  const stack = document.elementsFromPoint(x, y).slice(0, limit);
  return stack.map(el => ({
    tag: el.localName,
    id: el.id || '',
    className: typeof el.className === 'string' ? el.className : '',
    role: roleOf(el),
    name: nameOf(el).slice(0, 80),
    description: describe(el),
  }));
}`

// nearbyScript lists visible interactive elements whose text or attributes
// resemble the wanted selector, for not-found diagnostics.
const nearbyScript = `function(hint, limit) {` + semanticHelpers + `
  const words = norm(hint).toLowerCase().split(/[^a-z0-9]+/).filter(w => w.length > 2);
  const cands = deepAll(document, 'a, button, input, select, textarea, [role], [onclick], [tabindex]').filter(isVisible);
  const score = (el) => {
    const hay = (describe(el) + ' ' + nameOf(el) + ' ' + (el.getAttribute('name') || '')).toLowerCase();
    return words.reduce((s, w) => s + (hay.includes(w) ? 1 : 0), 0);
  };
  const ranked = cands.map(el => [score(el), el]).sort((a, b) => b[0] - a[0]);
  return ranked.slice(0, limit).map(([, el]) => {
    const name = nameOf(el).slice(0, 40);
    return name ? describe(el) + ' "' + name + '"' : describe(el);
  });
}`

// describeScript returns a short tag#id.class description of this element.
const describeScript = `function() {` + semanticHelpers + `
  return describe(this);
}`
