package querybuilder

import "testing"

func TestEqQuotesStrings(t *testing.T) {
	got := Eq("title", "hello \"world\"").String()
	want := `title=="hello \"world\""`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNumbersAndBoolsAreBare(t *testing.T) {
	if got := Gte("age", 21).String(); got != "age=ge=21" {
		t.Fatalf("got %q", got)
	}
	if got := IsNull("deletedAt", true).String(); got != "deletedAt=isnull=true" {
		t.Fatalf("got %q", got)
	}
}

func TestInOutSetLiterals(t *testing.T) {
	if got := In("status", "open", "closed").String(); got != `status=in=("open","closed")` {
		t.Fatalf("got %q", got)
	}
	if got := Out("status", "archived").String(); got != `status=out=("archived")` {
		t.Fatalf("got %q", got)
	}
}

func TestStartsEndsContainsDesugarToLike(t *testing.T) {
	if got := StartsWith("name", "Jo").String(); got != "name=like=\"Jo%\"" {
		t.Fatalf("got %q", got)
	}
	if got := EndsWith("name", "th").String(); got != "name=like=\"%th\"" {
		t.Fatalf("got %q", got)
	}
	if got := Contains("name", "oh").String(); got != "name=like=\"%oh%\"" {
		t.Fatalf("got %q", got)
	}
}

func TestAndBindsTighterThanOrAndWrapsGroups(t *testing.T) {
	expr := Or(And(Eq("a", 1), Eq("b", 2)), Eq("c", 3))
	got := expr.String()
	want := `((a==1;b==2),c==3)`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSingleTermGroupsDoNotGetWrapped(t *testing.T) {
	if got := And(Eq("a", 1)).String(); got != "a==1" {
		t.Fatalf("single-term And should not add parens, got %q", got)
	}
}

func TestNot(t *testing.T) {
	if got := Not(Eq("a", 1)).String(); got != "!not=(a==1)" {
		t.Fatalf("got %q", got)
	}
}

func TestNullLiteral(t *testing.T) {
	if got := Eq("deletedAt", nil).String(); got != "deletedAt==null" {
		t.Fatalf("got %q", got)
	}
}

func TestAggregateEncode(t *testing.T) {
	params := NewAggregate().GroupBy("category").Count().Sum("price").Avg("price").Encode()
	if params["groupBy"] != "category" || params["count"] != "true" || params["sum"] != "price" || params["avg"] != "price" {
		t.Fatalf("unexpected aggregate params: %#v", params)
	}
}
