package emitter

import "sort"

// SplitResult 切分结果：已编码好的 datagram 以及丢弃计数
type SplitResult struct {
	Docs     [][]byte
	Oversize int // 拆到只剩自身仍超限的文档
	Failed   int // 编码失败的文档
}

// Split 按广度优先把超过 limit 的文档拆开：每一层先拆最大的子文档，
// 直到父文档放得下；拆出去的子文档再按同样规则处理。
// limit <= 0 时不拆
func Split(root *Document, traceID string, limit int) SplitResult {
	var res SplitResult
	queue := []*Document{root}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		b, err := Frame(d)
		if err != nil {
			res.Failed++
			continue
		}
		if limit <= 0 || len(b) <= limit {
			res.Docs = append(res.Docs, b)
			continue
		}

		for _, c := range bySizeDesc(d.Subsegments) {
			d.Subsegments = without(d.Subsegments, c)
			c.detach(traceID, d.ID)
			queue = append(queue, c)

			if b, err = Frame(d); err != nil || len(b) <= limit {
				break
			}
		}
		switch {
		case err != nil:
			res.Failed++
		case len(b) > limit:
			res.Oversize++
		default:
			res.Docs = append(res.Docs, b)
		}
	}
	return res
}

func bySizeDesc(docs []*Document) []*Document {
	type sized struct {
		d *Document
		n int
	}
	list := make([]sized, 0, len(docs))
	for _, d := range docs {
		b, _ := Marshal(d)
		list = append(list, sized{d: d, n: len(b)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].n > list[j].n })

	out := make([]*Document, len(list))
	for i, s := range list {
		out[i] = s.d
	}
	return out
}

func without(docs []*Document, x *Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if d != x {
			out = append(out, d)
		}
	}
	return out
}

// salvage 找出无法编码的节点并把它们剔掉：坏节点本身丢弃，
// 它下面能编码的子树改为独立文档。返回仍可用的 d（可能为 nil）和拆出去的文档
func salvage(d *Document, traceID string) (self *Document, detached []*Document, failed int) {
	if _, err := Marshal(d); err == nil {
		return d, nil, 0
	}

	kids := d.Subsegments
	d.Subsegments = nil
	keep := make([]*Document, 0, len(kids))
	for _, c := range kids {
		cs, cd, cf := salvage(c, traceID)
		detached = append(detached, cd...)
		failed += cf
		if cs != nil {
			keep = append(keep, cs)
		}
	}

	if _, err := marshalShallow(d); err != nil {
		for _, k := range keep {
			k.detach(traceID, d.ID)
			detached = append(detached, k)
		}
		return nil, detached, failed + 1
	}
	d.Subsegments = keep
	return d, detached, failed
}
